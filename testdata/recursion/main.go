package main

type Node struct {
	next *Node
	val  int
}

func (n *Node) Sum() int {
	if n.next == nil {
		return n.val
	}
	return n.val + n.next.Sum()
}

func even(n int) bool {
	if n == 0 {
		return true
	}
	return odd(n - 1)
}

func odd(n int) bool {
	if n == 0 {
		return false
	}
	return even(n - 1)
}

func fib(n int) int {
	if n < 2 {
		return n
	}
	return fib(n-1) + fib(n-2)
}

func main() {
	list := &Node{val: 1, next: &Node{val: 2}}
	println(list.Sum())
	println(even(4))
	println(fib(10))
}
