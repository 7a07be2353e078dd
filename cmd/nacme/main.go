package main

import (
	"context"
	"fmt"
	"os"

	"github.com/noblepayne/NACME"
)

func main() {
	err := nacme.Run(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}
