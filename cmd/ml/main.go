package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"meshline/internal/config"
	"meshline/internal/db"
	"meshline/internal/domain"
	"meshline/internal/engine"
	"meshline/internal/logging"
	"meshline/internal/migrate"
	"meshline/internal/repo"
	"meshline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Meshline CLI",
	Long: `Meshline keeps track of who is who on a delay-tolerant mesh.
It ingests announce packets, classifies each sender (messaging peer,
content node, or propagation relay), and reconciles contacts added by
destination hash against the local identity cache until their public
key is known or the contact times out.

- Announces: packets a destination broadcasts about itself; 'ml announce ingest'.
- Contacts: destinations you added by hash; they start pending_identity.
- Resolver: the background loop that resolves or expires pending contacts.
- Event log: diary of announces, resolutions, and path requests; 'ml log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MESHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(contactCmd())
	rootCmd.AddCommand(announceCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func contactCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "contact",
		Short: "Manage contacts",
		Long:  "Contacts are destinations added by their 16-byte hash. Each starts pending_identity and is resolved by the background resolver once its public key turns up, or marked unresolved after the timeout.",
	}
	c.AddCommand(contactAddCmd())
	c.AddCommand(contactListCmd())
	c.AddCommand(contactShowCmd())
	c.AddCommand(contactRetryCmd())
	return c
}

func contactAddCmd() *cobra.Command {
	var displayName string
	cmd := &cobra.Command{
		Use:   "add <destination-hash>",
		Short: "Add a contact by destination hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AddContact(ctx, strings.TrimSpace(args[0]), displayName)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&displayName, "name", "", "display name")
	return cmd
}

func contactListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					items []domain.Contact
					err   error
				)
				if status != "" {
					items, err = e.Repo.ListContactsByStatus(ctx, status)
				} else {
					items, err = e.Repo.ListContacts(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Hash", "Name", "Status", "Added"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.DestinationHash, c.DisplayName, c.Status, c.AddedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending_identity, resolved, unresolved)")
	return cmd
}

func contactShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <destination-hash>",
		Short: "Show a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetContact(ctx, strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func contactRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <destination-hash>",
		Short: "Reset a contact to pending and request its path again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash := strings.TrimSpace(args[0])
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sched := e.NewScheduler()
				if err := sched.Retry(ctx, hash); err != nil {
					return err
				}
				c, err := e.Repo.GetContact(ctx, hash)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func announceCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "announce",
		Short: "Manage announces",
		Long:  "Announces are the self-descriptions destinations broadcast. Ingesting one classifies the sender and, when the packet carries a public key, refreshes the identity cache the resolver reads from.",
	}
	a.AddCommand(announceIngestCmd())
	a.AddCommand(announceListCmd())
	return a
}

func announceIngestCmd() *cobra.Command {
	var opts engine.AnnounceOptions
	var payloadText, payloadB64, publicKeyB64 string
	var hops int
	cmd := &cobra.Command{
		Use:   "ingest <destination-hash>",
		Short: "Record one announce packet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.DestinationHash = strings.TrimSpace(args[0])
			if payloadText != "" && payloadB64 != "" {
				return fmt.Errorf("--payload and --payload-b64 are mutually exclusive")
			}
			if payloadText != "" {
				opts.Payload = []byte(payloadText)
			}
			if payloadB64 != "" {
				data, err := base64.StdEncoding.DecodeString(payloadB64)
				if err != nil {
					return fmt.Errorf("invalid --payload-b64: %w", err)
				}
				opts.Payload = data
			}
			if publicKeyB64 != "" {
				key, err := base64.StdEncoding.DecodeString(publicKeyB64)
				if err != nil {
					return fmt.Errorf("invalid --public-key-b64: %w", err)
				}
				opts.PublicKey = key
			}
			if cmd.Flags().Changed("hops") {
				opts.Hops = &hops
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RecordAnnounce(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Aspect, "aspect", "", "announce aspect (for example lxmf.delivery)")
	cmd.Flags().StringVar(&payloadText, "payload", "", "payload as UTF-8 text")
	cmd.Flags().StringVar(&payloadB64, "payload-b64", "", "payload as base64 bytes")
	cmd.Flags().StringVar(&publicKeyB64, "public-key-b64", "", "announced public key as base64")
	cmd.Flags().IntVar(&hops, "hops", 0, "hop count the packet arrived with")
	return cmd
}

func announceListCmd() *cobra.Command {
	var role, aspect string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List announces, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAnnounces(ctx, role, aspect, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Hash", "Aspect", "Role", "Stamp", "Received"})
				for _, a := range items {
					stamp := ""
					if a.StampCost != nil {
						stamp = fmt.Sprint(*a.StampCost)
					}
					tw.AppendRow(table.Row{a.DestinationHash, a.Aspect, a.RoleLabel, stamp, a.ReceivedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter (peer, node, propagation_node)")
	cmd.Flags().StringVar(&aspect, "aspect", "", "aspect filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries")
	return cmd
}

func resolveCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "resolve",
		Short: "Run identity resolution",
	}
	r.AddCommand(resolvePassCmd())
	r.AddCommand(resolveRunCmd())
	return r
}

func resolvePassCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pass",
		Short: "Run one resolution pass and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report := e.NewScheduler().RunPass(ctx)
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func resolveRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the resolution loop in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sched := e.NewScheduler()
				sched.Start(ctx)
				<-ctx.Done()
				sched.Stop()
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in meshline.yml: node name, announce aspects, resolver cadence, and log level.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var nodeName string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default meshline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(nodeName)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&nodeName, "name", "meshline-node", "node name")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate meshline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: announces, contact transitions, path requests.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("--name required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					Name:      strings.TrimSpace(name),
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "name": key.Name, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAnonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with the resolver loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sched := e.NewScheduler()
				authCfg := server.AuthConfig{
					JWTSecret:      os.Getenv("MESHLINE_JWT_SECRET"),
					AllowAnonymous: allowAnonymous,
				}
				if authCfg.JWTSecret == "" && !allowAnonymous {
					return fmt.Errorf("MESHLINE_JWT_SECRET is required for bearer auth (or pass --allow-anonymous for loopback-only use)")
				}
				handler, err := server.New(server.Config{Engine: e, Resolver: sched, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				sched.Start(ctx)
				defer sched.Stop()
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Meshline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "disable authentication (loopback only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if err := logging.Configure(cfg.Log.Level); err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
