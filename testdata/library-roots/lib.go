package lib

type Shape interface{ Area() int }

type Box struct{ w, h int }

func (b Box) Area() int { return b.w * b.h }

type dot struct{}

func (*dot) Area() int { return 0 }

func NewBox(w, h int) Shape { return Box{w: w, h: h} }

func Describe(s Shape) int {
	return s.Area()
}

func unused() Shape { return &dot{} }
