package main

import _ "unsafe"

type Greeter interface{ Greet() string }

type english struct{}

func (english) Greet() string { return "hello" }

//go:linkname hidden
func hidden() Greeter { return english{} }

//export Exported
func exported() string { return helper() }

func helper() string { return "exported" }

func orphan() string { return "never called" }

func main() {}
