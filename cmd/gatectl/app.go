package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/qcom/gateconsole/internal/apiclient"
	"github.com/qcom/gateconsole/internal/boot"
	"github.com/qcom/gateconsole/internal/config"
	"github.com/qcom/gateconsole/internal/credentials"
	"github.com/qcom/gateconsole/internal/refresh"
	"github.com/qcom/gateconsole/internal/repository"
	"github.com/qcom/gateconsole/internal/session"
	"github.com/qcom/gateconsole/internal/tokenpolicy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var errUsage = errors.New("usage")

const usage = `usage: gatectl <command> [args]

commands:
  login <email> <password>
  logout
  me
  company <code>
  change-password <old> <new>
  can <permission>...
  watch`

// app wires the client stack for one process.
type app struct {
	cfg       *config.ClientConfig
	store     *credentials.Store
	coord     *refresh.Coordinator
	boot      *boot.Initializer
	manager   *session.Manager
	policy    tokenpolicy.Policy
	out       io.Writer
	logger    *logrus.Logger
	redirects []string
}

func newApp(cfg *config.ClientConfig, backend repository.Backend, out io.Writer, logger *logrus.Logger) *app {
	a := &app{cfg: cfg, out: out, logger: logger}

	a.policy = tokenpolicy.New(cfg.Session.LeadTime)
	a.store = credentials.NewStore(backend, logger)

	base := apiclient.NewBaseTransport(cfg.API, logger)
	notifier := apiclient.NotifierFunc(func(err *apiclient.APIError) {
		fmt.Fprintf(a.out, "! %s\n", err.Message)
	})

	// Refresh calls go out on the base transport so they never recurse into
	// the credential-injecting one.
	plain := apiclient.NewClient(cfg.API.BaseURL, base, cfg.API.RequestTimeout, nil, logger)
	a.coord = refresh.NewCoordinator(a.store, apiclient.NewAccountsAPI(plain), cfg.API.RequestTimeout, logger)

	ready := boot.NewReadiness()
	transport := apiclient.NewTransport(base, a.store, a.coord, apiclient.TransportOptions{
		AuthScheme:    cfg.API.AuthScheme,
		CompanyHeader: cfg.API.CompanyHeader,
		Policy:        a.policy,
		Ready:         ready,
	}, logger)
	accounts := apiclient.NewAccountsAPI(apiclient.NewClient(cfg.API.BaseURL, transport, cfg.API.RequestTimeout, notifier, logger))

	a.boot = boot.NewInitializer(a.store, a.coord, accounts, a.policy, ready, logger)
	a.manager = session.NewManager(a.store, accounts, a.coord, session.NavigatorFunc(a.navigate), logger)
	return a
}

func (a *app) navigate(route string) {
	a.redirects = append(a.redirects, route)
	if route == session.LoginRoute {
		fmt.Fprintln(a.out, "Signed out. Run `gatectl login <email> <password>` to sign in again.")
	}
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	state, err := a.boot.Run(ctx)
	if err != nil {
		a.logger.WithError(err).Debug("Boot finished with an error")
	}

	cmd, args := args[0], args[1:]
	if cmd != "login" && cmd != "logout" && state != boot.StateAuthenticated {
		return errors.New("not signed in")
	}

	switch cmd {
	case "login":
		if len(args) != 2 {
			return errUsage
		}
		return a.login(ctx, args[0], args[1])
	case "logout":
		return a.manager.Logout(ctx)
	case "me":
		return a.me(ctx)
	case "company":
		if len(args) != 1 {
			return errUsage
		}
		ref, err := a.manager.SwitchCompany(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Now acting for %s\n", ref.Code)
		return nil
	case "change-password":
		if len(args) != 2 {
			return errUsage
		}
		if err := a.manager.ChangePassword(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "Password updated.")
		return nil
	case "can":
		if len(args) == 0 {
			return errUsage
		}
		return a.can(ctx, args)
	case "watch":
		return a.watch(ctx)
	}
	return errUsage
}

func (a *app) login(ctx context.Context, email, password string) error {
	user, err := a.manager.Login(ctx, email, password)
	if err != nil {
		return err
	}
	company := "-"
	if ref := a.store.CurrentCompany(ctx); ref != nil {
		company = ref.Code
	}
	fmt.Fprintf(a.out, "Signed in as %s (company %s)\n", user.Email, company)
	return nil
}

func (a *app) me(ctx context.Context) error {
	user, err := a.manager.RefreshProfile(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(user)
}

func (a *app) can(ctx context.Context, perms []string) error {
	checker := a.manager.Permissions(ctx)
	for _, p := range perms {
		fmt.Fprintf(a.out, "%-40s %t\n", p, checker.Has(p))
	}
	if !checker.HasAll(perms...) {
		return errors.New("permission denied")
	}
	return nil
}

// watch keeps the session warm until a signal arrives or the session ends.
func (a *app) watch(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ended := make(chan error, 1)
	a.coord.OnTerminated(func(reason error) {
		select {
		case ended <- reason:
		default:
		}
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return refresh.NewRefresher(a.store, a.coord, a.policy, a.cfg.Session.PollInterval, a.logger).Run(ctx)
	})
	g.Go(func() error {
		select {
		case reason := <-ended:
			return fmt.Errorf("session ended: %w", reason)
		case <-ctx.Done():
			return nil
		}
	})

	fmt.Fprintf(a.out, "Keeping session warm every %s, Ctrl-C to stop\n", a.cfg.Session.PollInterval)
	return g.Wait()
}

// describe renders err for the terminal, listing field errors when present.
func describe(err error) string {
	var apiErr *apiclient.APIError
	if !errors.As(err, &apiErr) {
		return err.Error()
	}

	var b strings.Builder
	b.WriteString(apiErr.Message)
	for field, msgs := range apiErr.FieldErrors {
		fmt.Fprintf(&b, "\n  %s: %s", field, strings.Join(msgs, " "))
	}
	return b.String()
}
