//go:build !unix

package main

import "errors"

func runDetached() error {
	return errors.New("background mode is not supported on this platform, use --foreground")
}
