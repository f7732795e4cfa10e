package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scanvault/docsync/internal/engine"
	"github.com/scanvault/docsync/internal/ui"
)

var addCmd = &cobra.Command{
	Use:     "add <image>...",
	GroupID: "docs",
	Short:   "Create a document from image files, one page each",
	Long: `Create a document from one or more page images. The document is saved
on this device immediately and uploaded on the next sync.

Example usage:
  docsync add scan-1.jpg scan-2.jpg --name "Lease" --folder Home --tag contract`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		folder, _ := cmd.Flags().GetString("folder")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		docType, _ := cmd.Flags().GetString("type")

		if name == "" {
			base := filepath.Base(args[0])
			name = strings.TrimSuffix(base, filepath.Ext(base))
		}
		images := make([][]byte, 0, len(args))
		for _, path := range args {
			// #nosec G304 - user-supplied page images
			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			images = append(images, data)
		}

		ctx := context.Background()
		e := openEngine(ctx)
		defer closeEngine(e)

		in := engine.NewDocument{Name: name, Tags: tags, Type: docType, Images: images}
		if folder != "" {
			in.FolderID = folderByName(e, folder)
		}
		doc, err := e.CreateDocument(ctx, in)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Created %s (%s, %d pages)\n", ui.Label.Render("✓"), doc.Name, ui.ShortID(doc.ID), len(doc.Pages))
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>...",
	GroupID: "docs",
	Short:   "Delete documents",
	Args:    cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e := openEngine(ctx)
		defer closeEngine(e)

		failures := 0
		for _, id := range args {
			if err := e.DeleteDocument(ctx, id); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s: %v\n", id, err)
				failures++
				continue
			}
			fmt.Printf("%s Deleted %s\n", ui.Label.Render("✓"), id)
		}
		if failures > 0 {
			closeEngine(e)
			os.Exit(1)
		}
	},
}

var renameCmd = &cobra.Command{
	Use:     "rename <id> <name>",
	GroupID: "docs",
	Short:   "Rename a document",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e := openEngine(ctx)
		defer closeEngine(e)

		if _, err := e.RenameDocument(ctx, args[0], args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Renamed %s\n", ui.Label.Render("✓"), args[0])
	},
}

var mkdirCmd = &cobra.Command{
	Use:     "mkdir <name>",
	GroupID: "docs",
	Short:   "Create a folder",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		parent, _ := cmd.Flags().GetString("parent")
		color, _ := cmd.Flags().GetString("color")
		ctx := context.Background()

		e := openEngine(ctx)
		defer closeEngine(e)

		parentID := ""
		if parent != "" {
			parentID = folderByName(e, parent)
		}
		f, err := e.CreateFolder(ctx, args[0], parentID, color)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Created folder %s (%s)\n", ui.Label.Render("✓"), f.Name, ui.ShortID(f.ID))
	},
}

var rmdirCmd = &cobra.Command{
	Use:     "rmdir <folder>",
	GroupID: "docs",
	Short:   "Delete a folder, moving its contents to the root",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e := openEngine(ctx)
		defer closeEngine(e)

		removal, err := e.DeleteFolder(ctx, folderByName(e, args[0]))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Deleted folder %s; moved %d document(s) and %d folder(s) to the root\n",
			ui.Label.Render("✓"), removal.Folder.Name, len(removal.MovedDocuments), len(removal.ReparentedFolders))
	},
}

func init() {
	addCmd.Flags().String("name", "", "Document name (default: first file name)")
	addCmd.Flags().String("folder", "", "Folder id or name")
	addCmd.Flags().StringSlice("tag", nil, "Tag (repeatable)")
	addCmd.Flags().String("type", "", "Document type")
	mkdirCmd.Flags().String("parent", "", "Parent folder id or name")
	mkdirCmd.Flags().String("color", "", "Folder color")

	rootCmd.AddCommand(addCmd, rmCmd, renameCmd, mkdirCmd, rmdirCmd)
}
