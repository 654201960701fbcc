package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 建立命令樹並執行
// 3. 處理頂層錯誤與 panic recovery
//
// 版本於編譯時注入：
//   go build -ldflags "-X github.com/ChuLiYu/beaver-timer/internal/cli.Version=1.0.0" ./cmd/beaver-timer
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/beaver-timer/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
		os.Exit(1)
	}
}
