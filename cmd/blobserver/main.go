package main

import (
	"fmt"
	"net/http"
	"os"

	"blobserver/internal/api"
	"blobserver/internal/app"
	"blobserver/internal/config"
	"blobserver/internal/database"
	"blobserver/internal/model"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and wires up the application. The caller must
// defer a.Close().
func newApp() (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// cliActor is the identity recorded in audit entries for local commands.
func cliActor() model.Actor {
	return model.Actor{Admin: true, RemoteAddr: "localhost", Agent: "blobserver-cli"}
}

// promptPassword reads a password from the terminal without echo.
func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

func promptNewPassword() (string, error) {
	pw, err := promptPassword("Password: ")
	if err != nil {
		return "", err
	}
	again, err := promptPassword("Again: ")
	if err != nil {
		return "", err
	}
	if pw != again {
		return "", fmt.Errorf("passwords do not match")
	}
	return pw, nil
}

var rootCmd = &cobra.Command{
	Use:   "blobserver",
	Short: "Web service for file storage and distribution",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["storage_dir"])
		cfg.LogDir = defaults["log_dir"]

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Storage Dir: %s\n", cfg.StorageDir)
		fmt.Printf("Listen Addr: %s\n", cfg.ListenAddr)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Site Name:      %s\n", cfg.SiteName)
		fmt.Printf("Storage Dir:    %s\n", cfg.StorageDir)
		fmt.Printf("Listen Addr:    %s\n", cfg.ListenAddr)
		fmt.Printf("Log Dir:        %s\n", cfg.LogDir)
		fmt.Printf("Min Password:   %d\n", cfg.MinPasswordLength)
		fmt.Printf("Default Quota:  %d\n", cfg.DefaultQuota)
		fmt.Printf("Activation:     %s\n", cfg.ActivationPolicy)
		return nil
	},
}

// migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		if err := database.MigrateUp(cfg.StorageDir); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
		fmt.Println("Database is up to date.")
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		srv := api.NewServer(a)
		addr := a.Config().ListenAddr
		a.Logger().Info("listening", "addr", addr, "site", a.Config().SiteName)
		fmt.Printf("Listening on %s\n", addr)
		return http.ListenAndServe(addr, srv.Handler())
	},
}

// user command
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var userCreateCmd = &cobra.Command{
	Use:   "create USERNAME EMAIL",
	Short: "Create a user account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, _ := cmd.Flags().GetBool("admin")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		pw, err := promptNewPassword()
		if err != nil {
			return err
		}

		role := model.RoleUser
		if admin {
			role = model.RoleAdmin
		}
		u, err := a.RegisterUser(cmd.Context(), args[0], args[1], pw, role, cliActor())
		if err != nil {
			return fmt.Errorf("creating user: %w", err)
		}

		fmt.Printf("Created %s %q (%s)\n", u.Role, u.Username, u.Status)
		fmt.Printf("Access key: %s\n", u.AccessKey)
		return nil
	},
}

var userPasswordCmd = &cobra.Command{
	Use:   "password USERNAME",
	Short: "Set a user's password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		pw, err := promptNewPassword()
		if err != nil {
			return err
		}

		if err := a.SetUserPassword(cmd.Context(), args[0], pw, cliActor()); err != nil {
			return fmt.Errorf("setting password: %w", err)
		}
		fmt.Printf("Password set for %q\n", args[0])
		return nil
	},
}

var userStatusCmd = &cobra.Command{
	Use:   "status USERNAME STATUS",
	Short: "Set a user's status (enabled, disabled, pending)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.SetUserStatus(cmd.Context(), args[0], args[1], cliActor()); err != nil {
			return fmt.Errorf("setting status: %w", err)
		}
		fmt.Printf("Status of %q set to %s\n", args[0], args[1])
		return nil
	},
}

var userAccessKeyCmd = &cobra.Command{
	Use:   "access-key USERNAME",
	Short: "Rotate a user's access key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := a.RotateUserAccessKey(cmd.Context(), args[0], cliActor())
		if err != nil {
			return fmt.Errorf("rotating access key: %w", err)
		}
		fmt.Printf("New access key for %q: %s\n", u.Username, u.AccessKey)
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List user accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		users, err := a.Users().List(cmd.Context())
		if err != nil {
			return err
		}

		if len(users) == 0 {
			fmt.Println("No users.")
			return nil
		}
		for _, u := range users {
			quota := "-"
			if u.Quota != nil {
				quota = fmt.Sprintf("%d", *u.Quota)
			}
			fmt.Printf("%-20s %-8s %-8s blobs:%-5d size:%-10d quota:%s  %s\n",
				u.Username, u.Role, u.Status, u.BlobsCount, u.BlobsSize, quota, u.Email)
		}
		return nil
	},
}

// dump command
var dumpCmd = &cobra.Command{
	Use:   "dump TARFILE",
	Short: "Write the database and all blobs to a tar archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		count, size, err := a.Dump(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("dump failed: %w", err)
		}
		fmt.Printf("Wrote %d file(s), %d bytes, to %s\n", count, size, args[0])
		return nil
	},
}

// undump command
var undumpCmd = &cobra.Command{
	Use:   "undump TARFILE",
	Short: "Restore the database and blobs from a dump archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Undump refuses to overwrite an existing database, so it works
		// directly on the storage directory without opening the app.
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		count, err := app.Undump(cfg.StorageDir, args[0])
		if err != nil {
			return fmt.Errorf("undump failed: %w", err)
		}
		fmt.Printf("Restored %d file(s)\n", count)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	userCmd.AddCommand(userCreateCmd)
	userCreateCmd.Flags().Bool("admin", false, "Create an administrator account")
	userCmd.AddCommand(userPasswordCmd)
	userCmd.AddCommand(userStatusCmd)
	userCmd.AddCommand(userAccessKeyCmd)
	userCmd.AddCommand(userListCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(undumpCmd)
}
