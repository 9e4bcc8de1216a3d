package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 載入 .env（SCANGRADE_* 環境變數）
// 3. 執行 CLI 命令並處理頂層錯誤與 panic recovery
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/ChuLiYu/scangrade/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	// .env 不存在時忽略
	_ = godotenv.Load()

	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
