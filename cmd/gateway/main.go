// bookshelfゲートウェイのエントリポイント。
// 認証、ロール検査、サービス解決、バックエンドへの転送を担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version はビルド時に埋め込むバージョン。
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "bookshelf-gateway",
		Short:         "bookshelf API gateway",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "/etc/bookshelf/gateway.yaml", "設定ファイルのパス")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(checkConfigCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(migrateCmd())
	return rootCmd
}
