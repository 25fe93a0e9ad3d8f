package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/ledgerd/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

const defaultBaseURL = "http://localhost:4100"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "signup":
		err = commandAuth(args, true)
	case "login":
		err = commandAuth(args, false)
	case "balance":
		err = commandBalance(args)
	case "deposit":
		err = commandAmount(args, "deposit")
	case "withdraw":
		err = commandAmount(args, "withdraw")
	case "transfer":
		err = commandTransfer(args)
	case "loan":
		err = commandLoan(args)
	case "market":
		err = commandMarket(args)
	case "buy":
		err = commandTrade(args, "buy")
	case "sell":
		err = commandTrade(args, "sell")
	case "version", "--version", "-v":
		fmt.Println(strings.TrimSpace(buildVersion))
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandAuth(args []string, signup bool) error {
	name := "login"
	if signup {
		name = "signup"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	username := fs.String("user", "", "Account username")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default "+defaultBaseURL+")")
	fs.Parse(args)

	if strings.TrimSpace(*username) == "" {
		return errors.New("--user is required")
	}
	secret := strings.TrimSpace(*password)
	if secret == "" {
		fmt.Print("Password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		secret = string(raw)
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	} else if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultBaseURL
	}

	cli, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var resp apiclient.AuthResponse
	if signup {
		resp, err = cli.Signup(ctx, *username, secret)
	} else {
		resp, err = cli.Login(ctx, *username, secret)
	}
	if err != nil {
		return err
	}
	cfg.AccessToken = resp.Tokens.AccessToken
	if err := saveConfig(cfg); err != nil {
		return err
	}
	if resp.Warning != "" {
		fmt.Printf("warning: %s\n", resp.Warning)
	}
	fmt.Printf("%s successful\n", name)
	return nil
}

func commandBalance(args []string) error {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	fs.Parse(args)

	cli, cfg, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	acct, err := cli.GetAccount(ctx, cfg.AccessToken)
	if err != nil {
		return err
	}
	printAccount(acct)
	return nil
}

func commandAmount(args []string, op string) error {
	fs := flag.NewFlagSet(op, flag.ExitOnError)
	amount := fs.Float64("amount", 0, "Amount")
	fs.Parse(args)
	if *amount <= 0 {
		return errors.New("--amount must be positive")
	}

	cli, cfg, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var resp apiclient.OpResponse
	if op == "deposit" {
		resp, err = cli.Deposit(ctx, cfg.AccessToken, *amount)
	} else {
		resp, err = cli.Withdraw(ctx, cfg.AccessToken, *amount)
	}
	if err != nil {
		return err
	}
	reportOp(resp)
	return nil
}

func commandTransfer(args []string) error {
	fs := flag.NewFlagSet("transfer", flag.ExitOnError)
	to := fs.String("to", "", "Recipient username")
	amount := fs.Float64("amount", 0, "Amount")
	fs.Parse(args)
	if strings.TrimSpace(*to) == "" {
		return errors.New("--to is required")
	}
	if *amount <= 0 {
		return errors.New("--amount must be positive")
	}

	cli, cfg, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	resp, err := cli.Transfer(ctx, cfg.AccessToken, *to, *amount)
	if err != nil {
		return err
	}
	reportOp(resp)
	return nil
}

func commandLoan(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: ledgerctl loan [request|repay] --amount N")
	}
	sub := args[0]
	fs := flag.NewFlagSet("loan "+sub, flag.ExitOnError)
	amount := fs.Float64("amount", 0, "Amount")
	fs.Parse(args[1:])
	if *amount <= 0 {
		return errors.New("--amount must be positive")
	}

	cli, cfg, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var resp apiclient.OpResponse
	switch sub {
	case "request":
		resp, err = cli.RequestLoan(ctx, cfg.AccessToken, *amount)
	case "repay":
		resp, err = cli.RepayLoan(ctx, cfg.AccessToken, *amount)
		if err == nil {
			fmt.Printf("applied: %.2f\n", resp.Applied)
		}
	default:
		return fmt.Errorf("unknown loan command: %s", sub)
	}
	if err != nil {
		return err
	}
	reportOp(resp)
	return nil
}

func commandMarket(args []string) error {
	fs := flag.NewFlagSet("market", flag.ExitOnError)
	fs.Parse(args)

	cli, cfg, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	quotes, err := cli.Market(ctx, cfg.AccessToken)
	if err != nil {
		return err
	}
	for _, q := range quotes {
		fmt.Printf("%-6s %12.2f\n", q.Symbol, q.Price)
	}
	return nil
}

func commandTrade(args []string, op string) error {
	fs := flag.NewFlagSet(op, flag.ExitOnError)
	symbol := fs.String("symbol", "", "Instrument symbol")
	qty := fs.Int64("qty", 0, "Quantity of shares")
	fs.Parse(args)
	if strings.TrimSpace(*symbol) == "" {
		return errors.New("--symbol is required")
	}
	if *qty <= 0 {
		return errors.New("--qty must be positive")
	}

	cli, cfg, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var resp apiclient.OpResponse
	if op == "buy" {
		resp, err = cli.Buy(ctx, cfg.AccessToken, *symbol, *qty)
	} else {
		resp, err = cli.Sell(ctx, cfg.AccessToken, *symbol, *qty)
	}
	if err != nil {
		return err
	}
	reportOp(resp)
	return nil
}

func authedClient() (*apiclient.Client, cliConfig, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cliConfig{}, err
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, cliConfig{}, errors.New("not logged in, run: ledgerctl login --user <name>")
	}
	cli, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, cliConfig{}, err
	}
	return cli, cfg, nil
}

func reportOp(resp apiclient.OpResponse) {
	if resp.Warning != "" {
		fmt.Printf("warning: %s\n", resp.Warning)
	}
	printAccount(resp.Account)
}

func printAccount(acct apiclient.Account) {
	fmt.Printf("account:   %s\n", acct.Username)
	fmt.Printf("cash:      %.2f\n", acct.CashBalance)
	fmt.Printf("loan:      %.2f\n", acct.LoanBalance)
	if len(acct.Holdings) > 0 {
		symbols := make([]string, 0, len(acct.Holdings))
		for sym := range acct.Holdings {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)
		fmt.Println("holdings:")
		for _, sym := range symbols {
			fmt.Printf("  %-6s %d\n", sym, acct.Holdings[sym])
		}
		fmt.Printf("portfolio: %.2f\n", acct.PortfolioValue)
	}
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "ledgerctl", "config.json"), nil
}

func printUsage() {
	fmt.Printf("ledgerctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	ledgerctl signup --user alice [--password secret] [--api http://localhost:4100]
	ledgerctl login --user alice [--password secret] [--api http://localhost:4100]
	ledgerctl balance
	ledgerctl deposit --amount 100
	ledgerctl withdraw --amount 25
	ledgerctl transfer --to bob --amount 10
	ledgerctl loan request --amount 500
	ledgerctl loan repay --amount 200
	ledgerctl market
	ledgerctl buy --symbol AAPL --qty 3
	ledgerctl sell --symbol AAPL --qty 1
	ledgerctl version
`)
}
