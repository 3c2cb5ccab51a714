//go:build debug

package main

type tracingStore struct{ inner Store }

func (t *tracingStore) Get(key string) string {
	println("get", key)
	return t.inner.Get(key)
}

func newStore() Store { return &tracingStore{inner: &memStore{}} }
