package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/CristianCarreira/aipal/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment, configuration and agent binaries",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

// agentBinaries lists adapter ids and the executable each one shells out to.
var agentBinaries = []struct{ id, bin string }{
	{"claude", "claude"},
	{"codex", "codex"},
	{"gemini", "gemini"},
	{"shell", "aichat"},
}

func runDoctor() {
	fmt.Println("aipal doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	home := config.Home()
	fmt.Printf("  State:    %s", home)
	if _, err := os.Stat(home); err != nil {
		fmt.Println(" (will be created on start)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("  Telegram:")
	if cfg.Telegram.Token == "" {
		fmt.Println("    Token:      MISSING (set TELEGRAM_BOT_TOKEN)")
	} else {
		fmt.Println("    Token:      configured")
	}
	if len(cfg.Telegram.AllowedUsers) == 0 {
		fmt.Println("    Allow-list: empty (all users permitted)")
	} else {
		fmt.Printf("    Allow-list: %d user(s)\n", len(cfg.Telegram.AllowedUsers))
	}

	fmt.Println()
	fmt.Println("  Agents:")
	for _, a := range agentBinaries {
		if path, err := exec.LookPath(a.bin); err != nil {
			fmt.Printf("    %-8s NOT FOUND on PATH\n", a.id+":")
		} else {
			fmt.Printf("    %-8s %s\n", a.id+":", path)
		}
	}

	fmt.Println()
	fmt.Println("  Extras:")
	if cfg.STT.ProxyURL == "" {
		fmt.Println("    STT:    disabled (voice messages use a placeholder)")
	} else {
		fmt.Printf("    STT:    %s\n", cfg.STT.ProxyURL)
	}
	if cfg.Tokens.DailyBudget == 0 {
		fmt.Println("    Budget: unlimited")
	} else {
		fmt.Printf("    Budget: %d tokens/day (cron gate at %d%%)\n",
			cfg.Tokens.DailyBudget, cfg.Tokens.CronGatePct)
	}
	if _, err := os.Stat(config.CronPath(home)); err == nil {
		fmt.Println("    Cron:   cron.json present")
	} else {
		fmt.Println("    Cron:   no cron.json (no scheduled jobs)")
	}
}
