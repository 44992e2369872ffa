// Command vaultctl administers a docvault deployment: master keys,
// access tokens, schema migration and one-shot reconciliation sweeps.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli"

	"docvault/internal/app"
	"docvault/internal/config"
	"docvault/internal/keyring"
	"docvault/internal/logging"
	"docvault/internal/model"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "vaultctl:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	a := cli.NewApp()
	a.Name = "vaultctl"
	a.Usage = "administer a docvault deployment"
	a.Commands = []cli.Command{
		{
			Name:  "keygen",
			Usage: "add a new master key to a TOML key file and make it active",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "file", Value: "master-keys.toml", Usage: "key file path", EnvVar: "MASTER_KEYS_FILE"},
				cli.StringFlag{Name: "id", Usage: "key id (default: current UTC month, e.g. 2024-06)"},
			},
			Action: func(c *cli.Context) error {
				id := c.String("id")
				if id == "" {
					id = time.Now().UTC().Format("2006-01")
				}
				if err := keygen(c.String("file"), id, nil); err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "added key %s to %s\n", id, c.String("file"))
				return nil
			},
		},
		{
			Name:  "token",
			Usage: "issue an access token",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "user", Usage: "user id"},
				cli.StringFlag{Name: "role", Value: string(model.RoleClient), Usage: "admin or client"},
				cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour, Usage: "token lifetime"},
			},
			Action: func(c *cli.Context) error {
				return issueToken(c.App.Writer, config.Load(), c.String("user"), c.String("role"), c.Duration("ttl"))
			},
		},
		{
			Name:      "revoke",
			Usage:     "revoke an access token until it expires (needs REDIS_ADDR)",
			ArgsUsage: "<token>",
			Action: func(c *cli.Context) error {
				tok := c.Args().First()
				if tok == "" {
					return errors.New("token argument is required")
				}
				v, closer, err := app.OpenVerifier(config.Load())
				if err != nil {
					return err
				}
				if closer != nil {
					defer closer()
				}
				return v.Revoke(context.Background(), tok)
			},
		},
		{
			Name:  "migrate",
			Usage: "create or update the catalog schema",
			Action: func(c *cli.Context) error {
				cfg := config.Load()
				log := logging.New(cfg.Log.Level, cfg.Log.Format, cfg.Location(), c.App.ErrWriter)
				_, closer, err := app.OpenCatalog(context.Background(), cfg, log)
				if err != nil {
					return err
				}
				return closer()
			},
		},
		{
			Name:  "sweep",
			Usage: "run one reconciliation pass and print its report",
			Description: "The upload journal is local to one API instance and locked while that instance runs.\n" +
				"   Run a full sweep against an instance's JOURNAL_PATH only while it is stopped, or pass\n" +
				"   --marked-only to finish pending deletes without touching the journal.",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "grace", Usage: "override SWEEP_GRACE"},
				cli.BoolFlag{Name: "marked-only", Usage: "skip the upload journal and only purge documents marked deleted"},
			},
			Action: func(c *cli.Context) error {
				cfg := sweepConfig(config.Load(), c.Duration("grace"), c.Bool("marked-only"))
				log := logging.New(cfg.Log.Level, cfg.Log.Format, cfg.Location(), c.App.ErrWriter)

				ctx := context.Background()
				a, err := app.New(ctx, cfg, log, nil)
				if err != nil {
					if cfg.Journal.Path != "" {
						return fmt.Errorf("%w (is an API instance holding the journal at %s? stop it or use --marked-only)", err, cfg.Journal.Path)
					}
					return err
				}
				defer a.Close()

				rep, err := a.Service.Sweep(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(c.App.Writer)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			},
		},
	}
	return a
}

// sweepConfig applies the sweep flags. Without the journal the pass sees
// no intents, so only soft-deleted records are reconciled.
func sweepConfig(cfg *config.AppConfig, grace time.Duration, markedOnly bool) *config.AppConfig {
	if grace > 0 {
		cfg.Journal.Grace = grace
	}
	if markedOnly {
		cfg.Journal.Path = ""
	}
	return cfg
}

// keygen appends a key to the file at path, creating the file if needed.
func keygen(path, id string, rand io.Reader) error {
	kf, err := keyring.LoadKeyFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kf = &keyring.KeyFile{}
	case err != nil:
		return err
	}
	if err := kf.AddKey(id, rand); err != nil {
		return err
	}
	data, err := kf.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func issueToken(w io.Writer, cfg *config.AppConfig, user, role string, ttl time.Duration) error {
	if user == "" {
		return errors.New("--user is required")
	}
	v, closer, err := app.OpenVerifier(cfg)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer()
	}
	tok, err := v.Issue(model.Identity{UserID: user, Role: model.Role(role)}, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, tok)
	return err
}
