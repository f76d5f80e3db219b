// Command avamigrate applies the session store schema.
//
//	avamigrate [up|down|status]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/projectsavahq/project-ava-sub000/internal/store/migrations"
)

func main() {
	_ = godotenv.Load()

	timeout := flag.Duration("timeout", 2*time.Minute, "overall migration timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: avamigrate [-timeout d] [up|down|status]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	command := "up"
	if flag.NArg() > 0 {
		command = strings.ToLower(strings.TrimSpace(flag.Arg(0)))
	}
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		log.Fatalf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := migrations.Run(ctx, databaseURL, command); err != nil {
		log.Fatalf("migrate %s failed: %v", command, err)
	}
	log.Printf("migrate %s complete", command)
}
