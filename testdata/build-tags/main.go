package main

type Store interface{ Get(key string) string }

type memStore struct{}

func (*memStore) Get(key string) string { return key }

func lookup(s Store, key string) string {
	return s.Get(key)
}

func main() {
	println(lookup(newStore(), "k"))
}
