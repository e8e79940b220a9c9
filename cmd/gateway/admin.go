package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nao1215/bookshelf/internal/profilesync"
	"github.com/nao1215/bookshelf/pkg/migration"
)

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "設定ファイルを検証する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := setup(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "設定は有効です: listen=%s idp=%s discovery=%s\n",
				cfg.Server.Addr(), cfg.IdP.BaseURL, cfg.Discovery.Source)
			return nil
		},
	}
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "IdPへの未反映の変更を操作する",
	}

	var limit int
	pending := &cobra.Command{
		Use:   "pending",
		Short: "未反映の変更を一覧する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			store, err := profilesync.Open(cmd.Context(), cfg.ProfileSync.OutboxDSN, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			entries, err := store.Pending(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "%s\t%s\t%s\tattempts=%d\t%s\n",
					e.Event.ID, e.Event.AggregateID, e.Event.EventType, e.Attempts, e.LastError)
			}
			fmt.Fprintf(out, "%d件\n", len(entries))
			return nil
		},
	}
	pending.Flags().IntVarP(&limit, "limit", "n", 100, "表示する最大件数")

	retry := &cobra.Command{
		Use:   "retry",
		Short: "未反映の変更を1巡だけ再送する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			idpClient, _, err := newIdPClient(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			store, err := profilesync.Open(cmd.Context(), cfg.ProfileSync.OutboxDSN, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			n, err := profilesync.NewReconciler(store, idpClient, reconcilerConfig(cfg), logger).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d件を反映しました\n", n)
			return nil
		},
	}

	cmd.AddCommand(pending, retry)
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "アウトボックスのスキーマを操作する",
	}

	// withMigrator はアウトボックスのDBを開いてfnを実行する。Openと違い自動適用はしない。
	withMigrator := func(cmd *cobra.Command, fn func(m *migration.Migrator) error) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		db, err := sql.Open("sqlite", cfg.ProfileSync.OutboxDSN)
		if err != nil {
			return fmt.Errorf("データベース接続に失敗: %w", err)
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(1)
		return fn(profilesync.NewMigrator(db, logger))
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "未適用のマイグレーションを適用する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m *migration.Migrator) error {
				n, err := m.Up(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d件を適用しました\n", n)
				return nil
			})
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "適用済みのマイグレーションを取り消す",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m *migration.Migrator) error {
				n, err := m.Down(cmd.Context(), steps)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d件を取り消しました\n", n)
				return nil
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "取り消す数")

	version := &cobra.Command{
		Use:   "version",
		Short: "適用済みの最新バージョンを表示する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m *migration.Migrator) error {
				v, err := m.Version(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			})
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}
