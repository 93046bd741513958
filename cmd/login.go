package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/compresr/kiro-gateway/internal/credentials"
	"github.com/compresr/kiro-gateway/internal/tui"
)

// Start URLs offered by the login menu.
const (
	BuilderIDStartURL = "https://view.awsapps.com/start"
	oidcClientName    = "kiro-gateway"
)

// runLogin signs in with the SSO-OIDC device flow and writes the resulting
// IdC credential to the configured credential file.
func runLogin(args []string) error {
	f := newFlags("login")
	startURL := f.fs.String("start-url", "", "IAM Identity Center start URL (skips the menu)")
	noBrowser := f.fs.Bool("no-browser", false, "do not open the verification page")
	_ = f.fs.Parse(args)

	cfg, err := f.setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	t := tui.Stdio()
	t.Header("Kiro login")

	url := *startURL
	if url == "" {
		url = cfg.Credentials.StartURL
	}
	if url == "" {
		url, err = chooseStartURL(t)
		if err != nil {
			return err
		}
	}

	t.Step("Registering OIDC client")
	if _, err := a.creds.RegisterClient(ctx, oidcClientName); err != nil {
		return err
	}

	auth, err := a.creds.StartDeviceAuthorization(ctx, url)
	if err != nil {
		return err
	}
	t.Info("Confirm this code in your browser:")
	t.DeviceCode(auth.UserCode, auth.VerificationURIComplete)
	if !*noBrowser && t.Interactive() {
		if err := tui.OpenBrowser(auth.VerificationURIComplete); err != nil {
			t.Warn("Could not open a browser: " + err.Error())
		}
	}

	t.Step("Waiting for authorization")
	cred, err := a.creds.PollDeviceToken(ctx, auth.DeviceCode, auth.Interval, auth.ExpiresIn)
	switch {
	case errors.Is(err, credentials.ErrAccessDenied):
		t.Error("Authorization was denied in the browser")
		return err
	case errors.Is(err, credentials.ErrDeviceCodeExpired), errors.Is(err, credentials.ErrDeviceAuthTimeout):
		t.Error("The code expired before it was confirmed; run login again")
		return err
	case err != nil:
		return err
	}
	t.Success(fmt.Sprintf("Signed in (%s, region %s), token valid until %s", cred.Provider, cred.Region, cred.ExpiresAt))
	return nil
}

// chooseStartURL asks for Builder ID or an Identity Center start URL.
func chooseStartURL(t *tui.Terminal) (string, error) {
	if !t.Interactive() {
		return BuilderIDStartURL, nil
	}
	items := []tui.MenuItem{
		{Label: "AWS Builder ID", Description: "personal account", Value: BuilderIDStartURL},
		{Label: "IAM Identity Center", Description: "organization start URL"},
	}
	idx, err := t.SelectMenu("Sign in with", items)
	if err != nil {
		return "", err
	}
	if items[idx].Value != "" {
		return items[idx].Value, nil
	}
	url := t.PromptString("Start URL", "")
	if url == "" {
		return "", fmt.Errorf("a start URL is required for IAM Identity Center")
	}
	return url, nil
}

// runUsage prints the upstream usage limits.
func runUsage(args []string) error {
	f := newFlags("usage")
	_ = f.fs.Parse(args)

	cfg, err := f.setup()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	raw, err := a.service.UsageLimits(ctx)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode usage limits: %w", err)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
	return nil
}

// runModels prints the accepted model ids. No credential is needed.
func runModels(args []string) error {
	f := newFlags("models")
	_ = f.fs.Parse(args)

	cfg, err := f.setup()
	if err != nil {
		return err
	}
	a, err := newApp(context.Background(), cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ids := a.service.ListModels()
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}
