package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"botgate.io/pkg/botclient"
)

const usage = `usage: botctl [flags] <command> [args]

commands:
  submit   -name N -email E [-website U] [-description D] [-capabilities a,b] [-max-tokens N]
  status   <requestId>
  decide   <requestId> approved|rejected [message]
  token    -user U [-tenant T] [-bot B]
`

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	var (
		addr    = flag.String("addr", envOr("BOTGATE_URL", "http://localhost:8080"), "botgate base URL")
		timeout = flag.Duration("timeout", 10*time.Second, "request timeout")
		apiKey  = flag.String("api-key", os.Getenv("BOTGATE_SERVICE_API_KEY"), "service API key for token")
		admin   = flag.String("admin-token", os.Getenv("BOTGATE_ADMIN_TOKEN"), "super-admin bearer token for decide")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	reg := botclient.NewRegistrar(*addr, botclient.WithTimeout(*timeout), botclient.WithLogger(log))

	var (
		out any
		err error
	)
	args := flag.Args()[1:]
	switch flag.Arg(0) {
	case "submit":
		out, err = submit(ctx, reg, args)
	case "status":
		if len(args) != 1 {
			log.Fatal("status needs a request id")
		}
		out, err = reg.Status(ctx, args[0])
	case "decide":
		if len(args) < 2 {
			log.Fatal("decide needs a request id and a status")
		}
		if *admin == "" {
			log.Fatal("decide needs -admin-token or BOTGATE_ADMIN_TOKEN")
		}
		out, err = reg.Decide(ctx, *admin, args[0], args[1], strings.Join(args[2:], " "))
	case "token":
		out, err = userToken(ctx, reg, *apiKey, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.WithError(err).Fatalf("%s failed", flag.Arg(0))
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func submit(ctx context.Context, reg *botclient.Registrar, args []string) (botclient.Receipt, error) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	var (
		name   = fs.String("name", "", "bot name")
		email  = fs.String("email", "", "contact email")
		site   = fs.String("website", "", "bot origin URL")
		desc   = fs.String("description", "", "description")
		caps   = fs.String("capabilities", "", "comma separated capabilities")
		maxTok = fs.Int64("max-tokens", 0, "max tokens per request")
	)
	_ = fs.Parse(args)
	sub := botclient.Submission{
		Name:                *name,
		Description:         *desc,
		ContactEmail:        *email,
		Website:             *site,
		MaxTokensPerRequest: *maxTok,
	}
	for _, c := range strings.Split(*caps, ",") {
		if c = strings.TrimSpace(c); c != "" {
			sub.Capabilities = append(sub.Capabilities, c)
		}
	}
	return reg.Submit(ctx, sub)
}

func userToken(ctx context.Context, reg *botclient.Registrar, apiKey string, args []string) (map[string]any, error) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	var (
		user   = fs.String("user", "", "user id")
		tenant = fs.String("tenant", "", "tenant id")
		bot    = fs.String("bot", "", "bot id")
	)
	_ = fs.Parse(args)
	if *user == "" {
		return nil, fmt.Errorf("-user is required")
	}
	tok, exp, err := reg.UserToken(ctx, apiKey, *user, *tenant, *bot)
	if err != nil {
		return nil, err
	}
	return map[string]any{"token": tok, "expiresAt": exp}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
