package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli"

	"dailytrack/internal/app"
	"dailytrack/internal/config"
	logx "dailytrack/pkg/logx"
)

const stopTimeout = 20 * time.Second

var (
	userFlag = cli.Int64Flag{Name: "user, u", Usage: "telegram user id"}

	userSetFlags = []cli.Flag{
		userFlag,
		cli.StringFlag{Name: "genres", Usage: "comma separated genres, e.g. pop,rock"},
		cli.StringFlag{Name: "time", Usage: "local delivery time HH:MM"},
		cli.StringFlag{Name: "tz", Usage: "IANA timezone, e.g. Europe/Berlin"},
		cli.StringFlag{Name: "to", Usage: "destination: private or channel"},
		cli.StringFlag{Name: "channel", Usage: "channel id or @name when --to=channel"},
		cli.BoolFlag{Name: "lyrics", Usage: "include a lyrics snippet"},
		cli.BoolFlag{Name: "auto", Usage: "deliver automatically every day"},
	}
)

func loadEnv(c *cli.Context) error {
	return config.LoadDotEnv(c.GlobalString("env-file"))
}

func run(c *cli.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.NewApp(c.GlobalString("config"))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stop(a, app.StopStartFailed)
		return fmt.Errorf("start: %w", err)
	}
	notify(daemon.SdNotifyReady)

	var reason app.StopReason
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	notify(daemon.SdNotifyStopping)
	cancel()
	stop(a, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

// notify reports state to systemd. Outside a unit it does nothing.
func notify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logx.NewConsole("info").Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
	}
}

func stop(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	_ = a.Stop(ctx, reason)
}

func openTool(c *cli.Context) (*app.Tool, error) {
	return app.OpenTool(c.GlobalString("config"), app.Options{})
}

func requireUser(c *cli.Context) (int64, error) {
	id := c.Int64("user")
	if id <= 0 {
		return 0, cli.NewExitError("--user is required", 2)
	}
	return id, nil
}

func sendNow(c *cli.Context) error {
	id, err := requireUser(c)
	if err != nil {
		return err
	}
	t, err := openTool(c)
	if err != nil {
		return err
	}
	defer t.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	rep, err := t.SendNow(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s - %s (%s, audio=%v, to %s)\n", rep.Outcome, rep.Artist, rep.Title, rep.Genre, rep.WithAudio, rep.To)
	return nil
}

func schedules(c *cli.Context) error {
	t, err := openTool(c)
	if err != nil {
		return err
	}
	defer t.Close()

	lines, err := t.Schedules(context.Background())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tTIME\tZONE\tTO\tGENRES\tNEXT")
	for _, l := range lines {
		p := l.Profile
		next := "-"
		switch {
		case l.Err != nil:
			next = "invalid: " + l.Err.Error()
		case !l.Next.IsZero():
			next = l.Next.Format(time.RFC3339)
		case !p.Active:
			next = "disabled"
		default:
			next = "manual"
		}
		to := p.SendTo
		if p.ChannelID != "" {
			to += " " + p.ChannelID
		}
		fmt.Fprintf(w, "%d\t%02d:%02d\t%s\t%s\t%s\t%s\n",
			p.UserID, p.SendHour, p.SendMinute, p.Timezone, to, strings.Join(p.Genres, ","), next)
	}
	return w.Flush()
}

func userSet(c *cli.Context) error {
	id, err := requireUser(c)
	if err != nil {
		return err
	}
	u := app.UserUpdate{
		UserID:    id,
		Time:      c.String("time"),
		Timezone:  c.String("tz"),
		SendTo:    c.String("to"),
		ChannelID: c.String("channel"),
	}
	if c.IsSet("genres") {
		u.Genres = splitList(c.String("genres"))
	}
	if c.IsSet("lyrics") {
		v := c.Bool("lyrics")
		u.ShowLyrics = &v
	}
	if c.IsSet("auto") {
		v := c.Bool("auto")
		u.AutoSend = &v
	}

	t, err := openTool(c)
	if err != nil {
		return err
	}
	defer t.Close()
	p, err := t.SetUser(context.Background(), u)
	if err != nil {
		return err
	}
	fmt.Printf("user %d: %02d:%02d %s, to %s, genres %s, auto=%v lyrics=%v\n",
		p.UserID, p.SendHour, p.SendMinute, p.Timezone, p.SendTo, strings.Join(p.Genres, ","), p.AutoSend, p.ShowLyrics)
	return nil
}

func userDisable(c *cli.Context) error {
	id, err := requireUser(c)
	if err != nil {
		return err
	}
	t, err := openTool(c)
	if err != nil {
		return err
	}
	defer t.Close()
	if err := t.DisableUser(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("user %d disabled\n", id)
	return nil
}

func sweep(c *cli.Context) error {
	t, err := openTool(c)
	if err != nil {
		return err
	}
	defer t.Close()
	res, err := t.Sweep(context.Background())
	fmt.Printf("removed %d, orphans %d, failed %d\n", res.Removed, res.Orphans, res.Failed)
	return err
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
