// Command migratectl inspects and maintains migration workflow checkpoints.
//
// Usage:
//
//	migratectl --config migrate.yaml status WORKFLOW_ID...
//	migratectl stuck --threshold 45m
//	migratectl sweep --threshold 60m
//	migratectl cleanup --older-than 720h
//	migratectl history WORKFLOW_ID --limit 20
//	migratectl sample
//	migratectl serve
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := Execute(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
