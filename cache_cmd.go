package main

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/dgnsrekt/audiovault/internal/cache"
	"github.com/dgnsrekt/audiovault/internal/fsutil"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the synthesis cache",
	Args:  cobra.NoArgs,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		mgr, closeCache, err := openCache(cmd.Context(), cfg, logger, nil)
		if err != nil {
			return err
		}
		defer closeCache() //nolint:errcheck

		st := mgr.Stats()
		fmt.Println(headStyle.Render(mgr.Root()))
		fmt.Println(row("assets", humanize.Comma(int64(st.IndexEntries))))
		fmt.Println(row("size", humanize.Bytes(uint64(st.IndexBytes)))) //nolint:gosec
		if !st.LastPublish.IsZero() {
			fmt.Println(row("last publish", humanize.Time(st.LastPublish)))
		}
		if free, err := fsutil.FreeSpace(mgr.Root()); err == nil {
			fmt.Println(row("free", humanize.Bytes(free)))
		}
		n, size := previewUsage(cfg.Server.PreviewDir)
		fmt.Println(row("previews", fmt.Sprintf("%d (%s)", n, humanize.Bytes(uint64(size))))) //nolint:gosec
		return nil
	},
}

var cacheReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the asset index from the cache tree",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		mgr, closeCache, err := openCache(cmd.Context(), cfg, logger, nil)
		if err != nil {
			return err
		}
		defer closeCache() //nolint:errcheck

		n, err := mgr.Reindex()
		if err != nil {
			return err
		}
		fmt.Println(row("indexed", humanize.Comma(int64(n))))
		return nil
	},
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired previews",
	Long:  paragraph(fmt.Sprintf("\nDelete previews older than cache.preview_ttl. Published assets are %s.", keyword("never removed"))),
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		s := cache.NewPreviewSweeper(cache.SweeperConfig{
			Dir: cfg.Server.PreviewDir,
			TTL: cfg.Cache.PreviewTTL,
		}, component("sweeper"))
		n, err := s.Sweep()
		if err != nil {
			return err
		}
		fmt.Println(row("removed", n))
		fmt.Println(row("freed", humanize.Bytes(uint64(s.Stats().Freed)))) //nolint:gosec
		return nil
	},
}

// previewUsage counts preview files and their total size.
func previewUsage(dir string) (int, int64) {
	var (
		n    int
		size int64
	)
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasPrefix(d.Name(), cache.PreviewPrefix) {
			return nil
		}
		if info, err := d.Info(); err == nil {
			n++
			size += info.Size()
		}
		return nil
	})
	return n, size
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheReindexCmd, cacheSweepCmd)
}
