package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"deskrelay/internal/app"
	"deskrelay/internal/automation"
	"deskrelay/internal/capture"
	"deskrelay/internal/config"
	"deskrelay/internal/model"
	"deskrelay/internal/server"
	"deskrelay/internal/userstore"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "deskrelay",
	Short: "Session and command broker for a controlled desktop application",
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("DESKRELAY_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadSettings reads the settings file named by the runtime environment
// and applies env port overrides in memory only.
func loadSettings(rt config.Runtime) (*config.Manager, error) {
	mgr := config.NewManager(rt.ConfigPath)
	s, err := mgr.Load()
	if err != nil {
		return nil, err
	}
	s, err = config.OverridePorts(nil, s)
	if err != nil {
		return nil, err
	}
	mgr.Apply(s)
	return mgr, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay and the management API",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := config.LoadRuntime()
		if err != nil {
			return err
		}
		gin.SetMode(rt.GinMode)

		mgr, err := loadSettings(rt)
		if err != nil {
			return err
		}
		s := mgr.Current()

		log := newLogger()
		driver := &automation.ExecDriver{AppPath: s.AppPath, Log: log}
		capturer := &capture.ExecCapturer{ToolPath: s.AppPath, Log: log}

		a, err := app.New(rt, mgr, capturer, driver, log)
		if err != nil {
			return err
		}

		if s.AutoStartRelay {
			if err := a.StartRelay(); err != nil {
				return err
			}
		}

		admin := server.NewHTTPServer(s.AdminPort, server.NewRouter(a))
		go func() {
			log.Info("management API listening", "port", s.AdminPort)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("management API failed", "error", err)
			}
		}()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Close(shutdownCtx)
		return admin.Shutdown(shutdownCtx)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the settings file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a settings file with defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := config.LoadRuntime()
		if err != nil {
			return err
		}

		if _, err := os.Stat(rt.ConfigPath); err == nil {
			return fmt.Errorf("%s already exists", rt.ConfigPath)
		}

		mgr := config.NewManager(rt.ConfigPath)
		if err := mgr.Save(config.Defaults()); err != nil {
			return err
		}
		fmt.Printf("Settings written to %s\n", rt.ConfigPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "View effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := config.LoadRuntime()
		if err != nil {
			return err
		}
		mgr, err := loadSettings(rt)
		if err != nil {
			return err
		}
		s := mgr.Current()

		fmt.Printf("Settings from %s:\n\n", rt.ConfigPath)
		fmt.Printf("Admin port:       %d\n", s.AdminPort)
		fmt.Printf("Relay port:       %d\n", s.RelayPort)
		fmt.Printf("Auto-start relay: %v\n", s.AutoStartRelay)
		fmt.Printf("App path:         %s\n", s.AppPath)
		fmt.Printf("Users file:       %s\n", s.UsersFile)
		fmt.Printf("Command timeout:  %ds\n", s.CommandTimeoutSeconds)
		fmt.Printf("Queue size:       %d\n", s.CommandQueueSize)
		fmt.Printf("Capture area:     %d,%d %dx%d\n", s.CaptureArea.X, s.CaptureArea.Y, s.CaptureArea.Width, s.CaptureArea.Height)
		fmt.Printf("Capture:          interval=%dms quality=%d maxFps=%d\n", s.Capture.IntervalMs, s.Capture.Quality, s.Capture.MaxFps)
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage relay users",
}

// openUsers loads the user store named by the settings file.
func openUsers() (*userstore.Store, error) {
	rt, err := config.LoadRuntime()
	if err != nil {
		return nil, err
	}
	mgr, err := loadSettings(rt)
	if err != nil {
		return nil, err
	}
	return userstore.New(mgr.Current().UsersFile, newLogger())
}

var userAddCmd = &cobra.Command{
	Use:   "add USERNAME",
	Short: "Create a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")
		role, _ := cmd.Flags().GetString("role")

		users, err := openUsers()
		if err != nil {
			return err
		}

		u, err := users.AddUser(args[0], password, model.Role(role))
		if err != nil {
			return err
		}
		fmt.Printf("Created %s user %s\n", u.Role, u.ID)
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		users, err := openUsers()
		if err != nil {
			return err
		}

		all := users.ListUsers()
		if len(all) == 0 {
			fmt.Println("No users.")
			return nil
		}
		for _, u := range all {
			state := "active"
			if !u.Active {
				state = "disabled"
			}
			last := "never"
			if u.LastLogin > 0 {
				last = time.UnixMilli(u.LastLogin).Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-20s %-6s %-8s last login: %s\n", u.ID, u.Role, state, last)
		}
		return nil
	},
}

var userDelCmd = &cobra.Command{
	Use:   "del USERNAME",
	Short: "Delete a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		users, err := openUsers()
		if err != nil {
			return err
		}
		if err := users.DeleteUser(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted user %s\n", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	userAddCmd.Flags().String("password", "", "Password for the new user")
	userAddCmd.Flags().String("role", "user", "Role: admin or user")
	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userDelCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(userCmd)
}
