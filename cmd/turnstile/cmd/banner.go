package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _                        _   _ _      
 | |_ _   _ _ __ _ __  ___| |_(_) | ___ 
 | __| | | | '__| '_ \/ __| __| | |/ _ \
 | |_| |_| | |  | | | \__ \ |_| | |  __/
  \__|\__,_|_|  |_| |_|___/\__|_|_|\___|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Storefront session service - Version %s\x1b[0m\n\n", Version)
}
