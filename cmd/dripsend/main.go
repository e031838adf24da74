package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"dripsend/internal/app"
)

func main() {
	var (
		cfgPath    string
		submitPath string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.StringVar(&submitPath, "submit", "", "optional schedule request file to submit on startup")
	flag.Parse()

	// .env is optional; real env vars win.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	if submitPath != "" {
		req, err := app.LoadScheduleRequest(submitPath)
		if err != nil {
			fmt.Println("submit:", err)
			_ = a.Stop(context.Background())
			os.Exit(1)
		}
		rec, err := a.Submit(ctx, req)
		if err != nil {
			fmt.Println("submit:", err)
			if rec.Accepted == 0 {
				_ = a.Stop(context.Background())
				os.Exit(1)
			}
		}
		fmt.Printf("accepted %d units\n", rec.Accepted)
	}

	<-a.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)

	if err := a.Err(); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}
