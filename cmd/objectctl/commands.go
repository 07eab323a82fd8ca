package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/danmuck/remoteobj/internal/auth"
	"github.com/danmuck/remoteobj/internal/client"
	"github.com/danmuck/remoteobj/internal/config"
	"github.com/danmuck/remoteobj/internal/facade"
	"github.com/danmuck/remoteobj/internal/metamodel"
	"github.com/danmuck/remoteobj/internal/observability"
	"github.com/danmuck/remoteobj/internal/protocol/encoding"
	"github.com/danmuck/remoteobj/internal/proxy"
	"github.com/spf13/cobra"
)

var errNoModel = errors.New("objectctl: mutating commands need model_path in the config or --model")

type app struct {
	configPath string
	addr       string
	user       string
	password   string
	modelPath  string
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "objectctl",
		Short:         "Inspect and edit objects served by objectd",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			observability.InitLogger("objectctl")
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "path to objectctl config.toml")
	flags.StringVar(&a.addr, "addr", "", "server address, overrides config")
	flags.StringVarP(&a.user, "user", "u", "", "session user, overrides config")
	flags.StringVarP(&a.password, "password", "p", "", "session password, overrides config")
	flags.StringVar(&a.modelPath, "model", "", "path to the server model file, overrides config")

	root.AddCommand(
		a.propsCmd(),
		a.hasCmd(),
		a.findCmd(),
		a.getCmd(),
		a.resolveCmd(),
		a.fieldCmd(),
		a.serviceCmd(),
		a.setCmd(),
		a.clearCmd(),
		a.linkCmd(true),
		a.linkCmd(false),
		a.invokeCmd(),
		a.checkCmd(),
		hashCmd(),
	)
	return root
}

// settings loads the config file and applies flag overrides.
func (a *app) settings(cmd *cobra.Command) (ctlConfig, error) {
	cfg, err := loadCtlConfig(a.configPath)
	if err != nil {
		return ctlConfig{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Client.Address = a.addr
	}
	if flags.Changed("user") {
		cfg.User = a.user
	}
	if flags.Changed("password") {
		cfg.Password = a.password
	}
	if flags.Changed("model") {
		cfg.ModelPath = a.modelPath
	}
	return cfg, nil
}

// withSession opens a session for one command and closes it afterwards.
func (a *app) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *client.Session, out io.Writer) error) error {
	cfg, err := a.settings(cmd)
	if err != nil {
		return err
	}
	return session(cmd, cfg, fn)
}

func session(cmd *cobra.Command, cfg ctlConfig, fn func(ctx context.Context, s *client.Session, out io.Writer) error) (err error) {
	ctx := cmd.Context()
	s, err := client.Open(ctx, cfg.Client, cfg.User, cfg.Password)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(ctx); err == nil {
			err = cerr
		}
	}()
	return fn(ctx, s, cmd.OutOrStdout())
}

// withObjects opens a session and routes member access through a remote
// proxy registry built from the model file, so every mutation is checked
// against the version the proxy last saw. Client-side actions run on the
// proxy copy and apply assign before their changes are shipped.
func (a *app) withObjects(cmd *cobra.Command, assign []encoding.NamedField, fn func(ctx context.Context, pc *proxy.Client, out io.Writer) error) error {
	cfg, err := a.settings(cmd)
	if err != nil {
		return err
	}
	if cfg.ModelPath == "" {
		return errNoModel
	}
	mc, err := config.LoadModelConfig(cfg.ModelPath)
	if err != nil {
		return err
	}
	model, err := mc.Metamodel()
	if err != nil {
		return err
	}
	return session(cmd, cfg, func(ctx context.Context, s *client.Session, out io.Writer) error {
		opts := []proxy.Option{proxy.WithRemote(s.Remote, s.Token)}
		for _, typ := range model.Types() {
			members, err := model.Members(typ)
			if err != nil {
				return err
			}
			for _, m := range members {
				if m.Kind == metamodel.KindAction && m.ClientSide {
					opts = append(opts, proxy.WithLocalAction(typ, m.Name, applyAssignments(assign)))
				}
			}
		}
		reg, err := proxy.NewRegistry(model, proxy.ModeRemote, opts...)
		if err != nil {
			return err
		}
		pc, err := proxy.NewClient(reg, 0)
		if err != nil {
			return err
		}
		return fn(ctx, pc, out)
	})
}

func applyAssignments(assign []encoding.NamedField) proxy.LocalAction {
	return func(_ context.Context, obj *proxy.Object, _ []encoding.Field) (encoding.Field, error) {
		for _, f := range assign {
			obj.SetField(f.Name, f.Field)
		}
		return encoding.NullField(), nil
	}
}

// current fetches the identity of typ/oid with its latest version.
func current(ctx context.Context, s *client.Session, typ, oid string) (encoding.ObjectData, error) {
	return s.GetObject(ctx, s.Token, typ, encoding.Oid(oid))
}

func (a *app) propsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "props",
		Short: "Print session properties",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *client.Session, out io.Writer) error {
				props, err := s.GetProperties(ctx, s.Token)
				if err != nil {
					return err
				}
				keys := make([]string, 0, len(props))
				for k := range props {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(out, "%s=%s\n", k, props[k])
				}
				return nil
			})
		},
	}
}

func (a *app) hasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "has <type>",
		Short: "Report whether any instance of a type exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *client.Session, out io.Writer) error {
				ok, err := s.HasInstances(ctx, s.Token, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(out, ok)
				return nil
			})
		},
	}
}

func (a *app) findCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find <type> [field=value]",
		Short: "List instances of a type, optionally matching one field",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := facade.Query{Type: args[0]}
			if len(args) == 2 {
				field, raw, ok := strings.Cut(args[1], "=")
				if !ok || field == "" {
					return fmt.Errorf("criteria %q must be field=value", args[1])
				}
				v, err := parseValue(raw)
				if err != nil {
					return err
				}
				q.Criteria = &facade.Criteria{Field: field, Value: v}
			}
			return a.withSession(cmd, func(ctx context.Context, s *client.Session, out io.Writer) error {
				found, err := s.FindInstances(ctx, s.Token, q)
				if err != nil {
					return err
				}
				for _, d := range found {
					fmt.Fprintln(out, d)
				}
				return nil
			})
		},
	}
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <type> <oid>",
		Short: "Print the identity and version of an object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *client.Session, out io.Writer) error {
				d, err := current(ctx, s, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintln(out, d)
				return nil
			})
		},
	}
}

func (a *app) resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <type> <oid>",
		Short: "Print every visible field of an object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *client.Session, out io.Writer) error {
				d, err := current(ctx, s, args[0], args[1])
				if err != nil {
					return err
				}
				state, err := s.ResolveObject(ctx, s.Token, d)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, state.Object)
				for _, f := range state.Fields {
					fmt.Fprintf(out, "  %s = %s\n", f.Name, formatField(f.Field))
				}
				return nil
			})
		},
	}
}

func (a *app) fieldCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "field <type> <oid> <name>",
		Short: "Print one field of an object",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *client.Session, out io.Writer) error {
				d, err := current(ctx, s, args[0], args[1])
				if err != nil {
					return err
				}
				fs, err := s.ResolveField(ctx, s.Token, d, args[2])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s @%s\n", formatField(fs.Field), fs.Version)
				return nil
			})
		},
	}
}

func (a *app) serviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "service <name>",
		Short: "Print the object bound to a service name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *client.Session, out io.Writer) error {
				d, err := s.OidForService(ctx, s.Token, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(out, d)
				return nil
			})
		},
	}
}

func (a *app) setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <type> <oid> <field> <value>",
		Short: "Set a value field; values are tag:form or a plain string",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseValue(args[3])
			if err != nil {
				return err
			}
			return a.withObjects(cmd, nil, func(ctx context.Context, pc *proxy.Client, out io.Writer) error {
				obj, err := pc.Object(ctx, args[0], encoding.Oid(args[1]))
				if err != nil {
					return err
				}
				if err := pc.Assign(ctx, obj, args[2], v); err != nil {
					return err
				}
				fmt.Fprintln(out, obj.Data())
				return nil
			})
		},
	}
}

func (a *app) clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <type> <oid> <field>",
		Short: "Clear a value or reference field",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withObjects(cmd, nil, func(ctx context.Context, pc *proxy.Client, out io.Writer) error {
				obj, err := pc.Object(ctx, args[0], encoding.Oid(args[1]))
				if err != nil {
					return err
				}
				if err := pc.Clear(ctx, obj, args[2]); err != nil {
					return err
				}
				fmt.Fprintln(out, obj.Data())
				return nil
			})
		},
	}
}

// linkCmd builds `link` or `unlink` for reference and collection fields.
func (a *app) linkCmd(set bool) *cobra.Command {
	use, short := "link", "Associate an object with a reference or collection field"
	if !set {
		use, short = "unlink", "Remove an association from a reference or collection field"
	}
	return &cobra.Command{
		Use:   use + " <type> <oid> <field> <other-type> <other-oid>",
		Short: short,
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withObjects(cmd, nil, func(ctx context.Context, pc *proxy.Client, out io.Writer) error {
				obj, err := pc.Object(ctx, args[0], encoding.Oid(args[1]))
				if err != nil {
					return err
				}
				other, err := pc.Object(ctx, args[3], encoding.Oid(args[4]))
				if err != nil {
					return err
				}
				mutate := pc.Associate
				if !set {
					mutate = pc.Dissociate
				}
				if err := mutate(ctx, obj, args[2], other); err != nil {
					return err
				}
				fmt.Fprintln(out, obj.Data())
				return nil
			})
		},
	}
}

func (a *app) invokeCmd() *cobra.Command {
	var sets []string
	cmd := &cobra.Command{
		Use:   "invoke <type> <oid> <action> [value...]",
		Short: "Run an action; client-side actions apply their --set assignments",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := make([]encoding.Field, 0, len(args)-3)
			for _, raw := range args[3:] {
				v, err := parseValue(raw)
				if err != nil {
					return err
				}
				params = append(params, encoding.ValueField(v))
			}
			assign := make([]encoding.NamedField, 0, len(sets))
			for _, raw := range sets {
				field, rawValue, ok := strings.Cut(raw, "=")
				if !ok || field == "" {
					return fmt.Errorf("assignment %q must be field=value", raw)
				}
				v, err := parseValue(rawValue)
				if err != nil {
					return err
				}
				assign = append(assign, encoding.NamedField{Name: field, Field: encoding.ValueField(v)})
			}
			return a.withObjects(cmd, assign, func(ctx context.Context, pc *proxy.Client, out io.Writer) error {
				obj, err := pc.Object(ctx, args[0], encoding.Oid(args[1]))
				if err != nil {
					return err
				}
				res, err := pc.Invoke(ctx, obj, args[2], params...)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s -> %s\n", obj.Data(), formatField(res))
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "field=value applied by a client-side action, repeatable")
	return cmd
}

func (a *app) checkCmd() *cobra.Command {
	var visible bool
	cmd := &cobra.Command{
		Use:   "check <type> <oid> <member>",
		Short: "Report whether a member is usable, or visible with --visible",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *client.Session, out io.Writer) error {
				d, err := current(ctx, s, args[0], args[1])
				if err != nil {
					return err
				}
				check := s.IsUsable
				if visible {
					check = s.IsVisible
				}
				ok, err := check(ctx, s.Token, args[2], d)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, ok)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&visible, "visible", false, "check visibility instead of usability")
	return cmd
}

func hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <password>",
		Short: "Print the bcrypt hash of a password for the server model file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

// parseValue reads `tag:form` when tag is a registered value type and
// treats anything else as a string.
func parseValue(raw string) (encoding.Value, error) {
	if tag, form, ok := strings.Cut(raw, ":"); ok && encoding.KnownTag(tag) {
		v := encoding.Value{Tag: tag, Form: form}
		if _, err := encoding.DecodeValue(v); err != nil {
			return encoding.Value{}, fmt.Errorf("value %q: %w", raw, err)
		}
		return v, nil
	}
	return encoding.EncodeValue(raw)
}

func formatField(f encoding.Field) string {
	switch f.Kind {
	case encoding.KindValue:
		return f.Value.String()
	case encoding.KindReference:
		return f.Ref.String()
	case encoding.KindCollection:
		items := make([]string, len(f.Items))
		for i, d := range f.Items {
			items[i] = d.String()
		}
		return "[" + strings.Join(items, ", ") + "]"
	default:
		return f.Kind.String()
	}
}
