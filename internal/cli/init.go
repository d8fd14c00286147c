package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/imkarma/prp/internal/config"
	"github.com/imkarma/prp/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize prp in the current directory",
	Long: `Creates .prp/ with a starter config (one claude agent per role) and
the audit database. The database is git-ignored so auto-commits never
pick it up.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(prpDirName); err == nil {
		return fmt.Errorf("%s/ already exists; edit %s instead", prpDirName, prpPath("config.yaml"))
	}
	if err := os.MkdirAll(prpDirName, 0o755); err != nil {
		return err
	}

	cfgFile := prpPath("config.yaml")
	if err := config.Save(cfgFile, config.DefaultConfig()); err != nil {
		return err
	}
	if err := os.WriteFile(prpPath(".gitignore"), []byte("prp.db\nprp.db-*\n"), 0o644); err != nil {
		return err
	}

	st, err := store.New(prpPath("prp.db"))
	if err != nil {
		return err
	}
	if err := st.Close(); err != nil {
		return err
	}

	fmt.Println(okStyle.Render("prp initialized in " + prpDirName + "/"))
	fmt.Printf("\n  %s  choose the agent for each role\n", cfgFile)
	fmt.Printf("  %s  run the pipeline on a PRD\n", subtleStyle.Render("prp run PRD.md"))
	fmt.Printf("  %s  follow progress\n", subtleStyle.Render("prp status"))
	return nil
}
