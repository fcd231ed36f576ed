//go:build windows

package main

func notifyResize(func()) (stop func()) { return func() {} }
