package main

import "fmt"

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/invoiceflow/
var version = "dev"

func versionString() string {
	return fmt.Sprintf("invoiceflow %s", version)
}
