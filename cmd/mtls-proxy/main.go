// Command mtls-proxy runs the mTLS forwarding proxy.
package main

import "github.com/sreymja/mtls-proxy/cmd/mtls-proxy/cmd"

func main() {
	cmd.Execute()
}
