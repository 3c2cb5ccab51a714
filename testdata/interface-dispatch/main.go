package main

type Shape interface{ Area() int }

type Circle struct{ r int }

func (c *Circle) Area() int { return 3 * c.r * c.r }

type Square struct{ s int }

func (s *Square) Area() int { return s.s * s.s }

type Triangle struct{ b, h int }

func (t *Triangle) Area() int { return t.b * t.h / 2 }

func pick(round bool) Shape {
	if round {
		return &Circle{r: 1}
	}
	return &Square{s: 2}
}

func total(s Shape) int {
	return s.Area()
}

func single() Shape { return &Circle{r: 2} }

func main() {
	println(total(pick(true)))
	println(total(pick(false)))
	println(single().Area())
}
