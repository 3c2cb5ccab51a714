//go:build !debug

package main

func newStore() Store { return &memStore{} }
