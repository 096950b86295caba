package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"packline.ai/internal/config"
)

func newCheckCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a packer config and report what would be packed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return &exitError{Code: exitConfig, Err: err}
			}
			return describeConfig(cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "configs/packer.yaml", "path to the packer config")
	return cmd
}

func describeConfig(w io.Writer, cfg config.Config) error {
	packed := cfg.PackedBoxes()
	fmt.Fprintf(w, "%s %s%s\n", labelStyle.Render("endpoint"), cfg.Addr(), cfg.Connection.Path)
	fmt.Fprintf(w, "%s %d configured, %d packed, %d skipped\n",
		labelStyle.Render("boxes   "), len(cfg.Boxes), len(packed), len(cfg.Boxes)-len(packed))
	fmt.Fprintf(w, "%s attach=%s box=%s clear_on_finish=%v\n",
		labelStyle.Render("policy  "), cfg.Gripper.OnAttachFailure, cfg.OnBoxFailure, cfg.ClearOnFinish)

	warnings := 0
	for _, i := range cfg.OutsideWorkspace() {
		b := packed[i]
		fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("warning: box %d target %v size %v is outside the workspace", i, b.Target, b.Size)))
		warnings++
	}
	if cfg.MeshDir != "" {
		if st, err := os.Stat(cfg.MeshDir); err != nil || !st.IsDir() {
			fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("warning: mesh_dir %q is not a directory; meshes are not loaded", cfg.MeshDir)))
			warnings++
		}
	}
	if warnings == 0 {
		fmt.Fprintln(w, okStyle.Render("config ok"))
	}
	return nil
}
