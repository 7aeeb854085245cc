package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/zerobridge-io/zerobridge-go/cmd"
	"github.com/zerobridge-io/zerobridge-go/config"
	"github.com/zerobridge-io/zerobridge-go/logconfig"
)

const ENV_CONFIG_FILE_PATH = "ZEROBRIDGE_COORDINATOR_CONFIG"

func main() {
	logconfig.ConfigInfoLogger()

	viper.AutomaticEnv()
	configFile := viper.GetString(ENV_CONFIG_FILE_PATH)
	if !cmd.FileExists(configFile) {
		fmt.Printf("coordinator configuration file not found: %q (set %s)\n", configFile, ENV_CONFIG_FILE_PATH)
		os.Exit(1)
	}

	cfg, err := config.LoadCoordinator(configFile)
	if err != nil {
		fmt.Printf("error loading coordinator configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("invalid coordinator configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Starting coordinator... press Ctrl+C to stop")
	if err := cmd.StartCoordinatorAndWait(ctx, cfg); err != nil {
		fmt.Printf("coordinator failed: %v\n", err)
		os.Exit(1)
	}
}
