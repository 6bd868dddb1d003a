package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	pruneKeep int
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect and maintain the content-addressed artifact store",
}

var storeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a summary of index entries and referenced blobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(config)
		if err != nil {
			return err
		}

		status, err := store.Status()
		if err != nil {
			return err
		}
		fmt.Printf("store root:       %s\n", status.Root)
		fmt.Printf("index entries:    %d\n", status.IndexEntries)
		fmt.Printf("referenced blobs: %d\n", status.ReferencedBlobs)
		fmt.Printf("referenced bytes: %d\n", status.ReferencedBytes)
		return nil
	},
}

var storeGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove blobs no index entry references",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(config)
		if err != nil {
			return err
		}

		removed, err := store.GC()
		if err != nil {
			return err
		}
		log.Infof("removed %d unreferenced blobs", removed)
		return nil
	},
}

var storePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Keep only the newest index entries per kind, then run gc",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(config)
		if err != nil {
			return err
		}

		keep := pruneKeep
		if keep == 0 {
			keep = config.Store.KeepArtifacts
		}
		pruned, err := store.PruneKeepLast(keep)
		if err != nil {
			return err
		}
		removed, err := store.GC()
		if err != nil {
			return err
		}
		log.Infof("pruned %d index entries, removed %d blobs", pruned, removed)
		return nil
	},
}

var storePutFileCmd = &cobra.Command{
	Use:   "put-file KIND KEY FILE",
	Short: "Store a single file under kind/key",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(config)
		if err != nil {
			return err
		}

		digest, err := store.PutFile(args[0], args[1], args[2], nil)
		if err != nil {
			return err
		}
		fmt.Println(digest)
		return nil
	},
}

var storePutDirCmd = &cobra.Command{
	Use:   "put-dir KIND KEY DIR",
	Short: "Store a directory tree as a deterministic tar.zst under kind/key",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(config)
		if err != nil {
			return err
		}

		digest, err := store.PutDirTarZst(args[0], args[1], args[2], nil)
		if err != nil {
			return err
		}
		fmt.Println(digest)
		return nil
	},
}

var storeMaterializeCmd = &cobra.Command{
	Use:   "materialize KIND KEY DEST",
	Short: "Verify a stored artifact and write it out to a destination path",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(config)
		if err != nil {
			return err
		}

		return store.MaterializeTo(args[0], args[1], args[2])
	},
}

func init() {
	storePruneCmd.Flags().IntVarP(&pruneKeep, "keep", "k", 0, "entries to keep per kind (default from config)")

	storeCmd.AddCommand(storeStatusCmd)
	storeCmd.AddCommand(storeGCCmd)
	storeCmd.AddCommand(storePruneCmd)
	storeCmd.AddCommand(storePutFileCmd)
	storeCmd.AddCommand(storePutDirCmd)
	storeCmd.AddCommand(storeMaterializeCmd)
}
