// Package cli 는 mitm-monitor 명령들을 구현한다.
package cli

import (
	"fmt"
	"os"

	"mitm-monitor/internal/config"
	"mitm-monitor/internal/logger"

	"github.com/spf13/cobra"
)

var configPath string

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:           "mitm-monitor",
	Short:         "Project MITM proxy flows onto player profiles",
	Long:          "Tails the MITM proxy flow log, echoes a clean JSON stream to stdout and keeps each player's lobby/session state in the profile store.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default: $CONFIG_PATH or ./monitor.local.yaml)")
}

// loadConfig 는 설정을 읽고 로거를 초기화한다. 모든 하위 명령의 첫 단계.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	logger.Init(cfg)
	return cfg, nil
}

// Execute 는 RootCmd 를 실행하고 에러를 stderr 에 쓴다.
func Execute() int {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
