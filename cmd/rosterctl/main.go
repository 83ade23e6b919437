package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"streamwatch/internal/roster"
	"streamwatch/internal/stream"
)

func main() {
	// Load .env automatically (if present). Real environment variables still override.
	// Optional override: ENV_FILE=path/to/.env
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Overload(envFile); err != nil {
			log.Printf("env: failed to load ENV_FILE=%q: %v", envFile, err)
		} else {
			log.Printf("env: loaded %s", envFile)
		}
	} else {
		if err := godotenv.Load(); err == nil {
			log.Printf("env: loaded .env")
		}
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatalf("missing DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := roster.NewPool(ctx, dbURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	r := roster.New(pool)
	if err := r.ApplySchema(ctx); err != nil {
		log.Fatalf("schema: %v", err)
	}

	in := bufio.NewReader(os.Stdin)

	fmt.Println("Add watched channels to watched_channels.")
	fmt.Println("Enter 'q' at any prompt to quit.")
	fmt.Println()

	for {
		platformStr, ok := prompt(in, "platform (youtube/twitcasting)")
		if !ok {
			return
		}
		p := stream.Platform(strings.ToLower(platformStr))
		if p != stream.YouTube && p != stream.TwitCasting {
			fmt.Println("platform must be youtube or twitcasting.")
			fmt.Println()
			continue
		}

		id, ok := prompt(in, "channel/user id")
		if !ok {
			return
		}
		if id == "" {
			fmt.Println("channel/user id is required.")
			fmt.Println()
			continue
		}

		name, ok := prompt(in, "name (optional)")
		if !ok {
			return
		}
		iconStr, ok := prompt(in, "icon url (optional)")
		if !ok {
			return
		}

		var icon *string
		if iconStr != "" {
			s := iconStr
			icon = &s
		}

		ch := roster.Channel{
			Platform:  p,
			ChannelID: id,
			Name:      name,
			Icon:      icon,
		}

		if err := r.Upsert(ctx, ch); err != nil {
			fmt.Printf("ERROR: %v\n\n", err)
			continue
		}

		fmt.Printf("OK: upserted %s channel %s\n\n", p, id)
	}
}

func prompt(in *bufio.Reader, label string) (string, bool) {
	fmt.Printf("%s: ", label)
	raw, err := in.ReadString('\n')
	if err != nil {
		return "", false
	}
	s := strings.TrimSpace(raw)
	if strings.EqualFold(s, "q") {
		return "", false
	}
	return s, true
}
