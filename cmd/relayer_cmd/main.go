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

const ENV_CONFIG_FILE_PATH = "ZEROBRIDGE_RELAYER_CONFIG"

func main() {
	logconfig.ConfigInfoLogger()

	viper.AutomaticEnv()
	configFile := viper.GetString(ENV_CONFIG_FILE_PATH)
	if !cmd.FileExists(configFile) {
		fmt.Printf("relayer configuration file not found: %q (set %s)\n", configFile, ENV_CONFIG_FILE_PATH)
		os.Exit(1)
	}

	cfg, err := config.LoadRelayer(configFile)
	if err != nil {
		fmt.Printf("error loading relayer configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("invalid relayer configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Starting relayer... press Ctrl+C to stop")
	if err := cmd.StartRelayerAndWait(ctx, cfg); err != nil {
		fmt.Printf("relayer failed: %v\n", err)
		os.Exit(1)
	}
}
