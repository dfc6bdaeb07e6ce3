package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"transit-graph/internal/config"
	"transit-graph/internal/logger"
	"transit-graph/internal/migrate"
	"transit-graph/internal/store"
	"transit-graph/internal/utils"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the Postgres schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := utils.OpenPostgresFromEnv(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := migrate.EnsureSchema(ctx, db); err != nil {
			return err
		}
		logger.L().Info("migrate_ok")
		return nil
	},
}

// 文档注释：手工激活已写入的图版本
// 背景：组装阶段在元数据落库后激活失败时，门控不会再次放行该数据集，需要由运维补做激活。
// 约束：缓存层必须已有该版本的邻接数据，否则 ActivateGraph 拒绝。
var activateCmd = &cobra.Command{
	Use:   "activate <graph-version>",
	Short: "Activate a previously assembled graph version and its dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		meta, err := a.graphs.FindMetadataByVersion(ctx, args[0])
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("graph version %s not found", args[0])
			}
			return err
		}
		g, err := a.graphs.ActivateGraph(ctx, meta.ID)
		if err != nil {
			return err
		}
		if err := a.repos.Datasets.SetActiveDataset(ctx, g.DatasetVersion); err != nil {
			return err
		}
		logger.L().Info("graph_activated", "graph_version", g.Version, "dataset_version", g.DatasetVersion)
		return printJSON(g)
	},
}

type statusReport struct {
	LatestDataset any    `json:"latestDataset"`
	ActiveDataset any    `json:"activeDataset"`
	ActiveGraph   any    `json:"activeGraph"`
	CacheVersion  string `json:"cacheVersion,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print latest/active dataset and active graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		var rep statusReport
		if d, err := a.repos.Datasets.GetLatestDataset(ctx); err == nil {
			rep.LatestDataset = d
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if d, err := a.repos.Datasets.GetActiveDataset(ctx); err == nil {
			rep.ActiveDataset = d
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if g, err := a.graphs.GetActiveGraphMetadata(ctx); err == nil {
			rep.ActiveGraph = g
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if v, err := a.graphs.GetActiveVersion(ctx); err == nil {
			rep.CacheVersion = v
		}
		return printJSON(rep)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return printJSON(cfg)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}
