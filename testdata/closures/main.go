package main

func double(x int) int { return 2 * x }

func square(x int) int { return x * x }

func apply(f func(int) int, x int) int {
	return f(x)
}

func choose(sq bool) func(int) int {
	if sq {
		return square
	}
	return double
}

func main() {
	println(apply(choose(true), 3))
	offset := 1
	add := func(x int) int { return x + offset }
	println(add(2))
}
