// Command account adds, removes, and inspects trading accounts against the
// encrypted vault and state store. Argument parsing is hand-rolled over
// os.Args; the flag surface is small enough not to warrant a framework.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"predtrader/internal/accountstore"
	"predtrader/internal/config"
	"predtrader/internal/types"
	"predtrader/internal/vault"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("VENUE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fail("load config: %v", err)
	}

	v, err := vault.Open(cfg.Vault.Path, cfg.MasterKey)
	if err != nil {
		fail("open vault: %v", err)
	}
	store, err := accountstore.Open(cfg.State.Dir)
	if err != nil {
		fail("open state store: %v", err)
	}
	defer store.Stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "add":
		cmdAdd(v, store, args)
	case "remove":
		cmdRemove(v, store, args)
	case "strategies":
		cmdStrategies(store, args)
	case "activate":
		cmdSetActive(store, args, true)
	case "deactivate":
		cmdSetActive(store, args, false)
	case "list":
		cmdList(store, args)
	case "show":
		cmdShow(store, args)
	case "balance":
		cmdBalance(store, args)
	case "strategies-list":
		cmdStrategiesList()
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: account <command> [args]

commands:
  add <id> --private-key <k> [--name N] [--balance B] [--max-risk R] [--strategies a,b] [--no-active]
  remove <id> [--force]
  strategies <id> <csv> [--replace]
  activate <id>
  deactivate <id>
  list [--detailed]
  show <id>
  balance <id> <amt>
  strategies-list`)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// parseFlags pulls --name value pairs and bare boolean --flags out of args,
// returning the remaining positional arguments.
func parseFlags(args []string, valueFlags, boolFlags map[string]bool) ([]string, map[string]string, map[string]bool) {
	values := map[string]string{}
	bools := map[string]bool{}
	var positional []string

	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") {
			positional = append(positional, a)
			continue
		}
		name := strings.TrimPrefix(a, "--")
		if boolFlags[name] {
			bools[name] = true
			continue
		}
		if valueFlags[name] {
			if i+1 >= len(args) {
				fail("flag --%s requires a value", name)
			}
			i++
			values[name] = args[i]
			continue
		}
		fail("unknown flag --%s", name)
	}
	return positional, values, bools
}

func cmdAdd(v *vault.Vault, store *accountstore.Store, args []string) {
	valueFlags := map[string]bool{"private-key": true, "name": true, "balance": true, "max-risk": true, "strategies": true}
	boolFlags := map[string]bool{"no-active": true}
	pos, vals, bools := parseFlags(args, valueFlags, boolFlags)
	if len(pos) < 1 {
		fail("add requires <id>")
	}
	id := pos[0]

	privKey := vals["private-key"]
	if privKey == "" {
		fail("add requires --private-key")
	}
	if _, err := vault.DeriveAddress(privKey); err != nil {
		fail("invalid private key: %v", err)
	}
	if err := v.AddAccountKey(id, privKey); err != nil {
		fail("store key: %v", err)
	}

	balance := decimal.Zero
	if s := vals["balance"]; s != "" {
		b, err := decimal.NewFromString(s)
		if err != nil {
			fail("invalid --balance: %v", err)
		}
		balance = b
	}
	maxRisk := decimal.Zero
	if s := vals["max-risk"]; s != "" {
		r, err := decimal.NewFromString(s)
		if err != nil {
			fail("invalid --max-risk: %v", err)
		}
		maxRisk = r
	}

	var strategies []types.StrategyType
	if s := vals["strategies"]; s != "" {
		for _, part := range strings.Split(s, ",") {
			strategies = append(strategies, types.StrategyType(strings.TrimSpace(part)))
		}
	}

	acct := types.AccountState{
		ID:         id,
		Name:       vals["name"],
		Balance:    balance,
		MaxRisk:    maxRisk,
		Strategies: strategies,
		IsActive:   !bools["no-active"],
		CreatedAt:  time.Now(),
	}
	if err := store.Add(acct); err != nil {
		fail("add account: %v", err)
	}
	fmt.Printf("account %s added\n", id)
}

func cmdRemove(v *vault.Vault, store *accountstore.Store, args []string) {
	boolFlags := map[string]bool{"force": true}
	pos, _, _ := parseFlags(args, nil, boolFlags)
	if len(pos) < 1 {
		fail("remove requires <id>")
	}
	id := pos[0]

	// Remove both entries; neither failure blocks the other.
	keyErr := v.RemoveAccountKey(id)
	stateErr := store.Remove(id)
	if keyErr != nil {
		fmt.Fprintf(os.Stderr, "warning: remove vault key: %v\n", keyErr)
	}
	if stateErr != nil {
		fmt.Fprintf(os.Stderr, "warning: remove state entry: %v\n", stateErr)
	}
	if keyErr != nil && stateErr != nil {
		os.Exit(1)
	}
	fmt.Printf("account %s removed\n", id)
}

func cmdStrategies(store *accountstore.Store, args []string) {
	boolFlags := map[string]bool{"replace": true}
	pos, _, bools := parseFlags(args, nil, boolFlags)
	if len(pos) < 2 {
		fail("strategies requires <id> <csv>")
	}
	id, csv := pos[0], pos[1]
	var added []types.StrategyType
	for _, part := range strings.Split(csv, ",") {
		added = append(added, types.StrategyType(strings.TrimSpace(part)))
	}

	err := store.Update(id, func(a *types.AccountState) {
		if bools["replace"] {
			a.Strategies = added
			return
		}
		for _, st := range added {
			if !a.HasStrategy(st) {
				a.Strategies = append(a.Strategies, st)
			}
		}
	})
	if err != nil {
		fail("update strategies: %v", err)
	}
	fmt.Printf("account %s strategies set to %s\n", id, csv)
}

func cmdSetActive(store *accountstore.Store, args []string, active bool) {
	if len(args) < 1 {
		fail("requires <id>")
	}
	if err := store.SetActive(args[0], active); err != nil {
		fail("set active: %v", err)
	}
	state := "activated"
	if !active {
		state = "deactivated"
	}
	fmt.Printf("account %s %s\n", args[0], state)
}

func cmdList(store *accountstore.Store, args []string) {
	_, _, bools := parseFlags(args, nil, map[string]bool{"detailed": true})
	for _, a := range store.List() {
		if bools["detailed"] {
			fmt.Printf("%s\tactive=%v\tbalance=%s\tstrategies=%v\n", a.ID, a.IsActive, a.Balance.String(), a.Strategies)
		} else {
			fmt.Println(a.ID)
		}
	}
}

func cmdShow(store *accountstore.Store, args []string) {
	if len(args) < 1 {
		fail("show requires <id>")
	}
	a, ok := store.Get(args[0])
	if !ok {
		fail("account %s not found", args[0])
	}
	fmt.Printf("id: %s\nname: %s\nactive: %v\nbalance: %s\nmaxRisk: %s\nstrategies: %v\ncreatedAt: %s\n",
		a.ID, a.Name, a.IsActive, a.Balance.String(), a.MaxRisk.String(), a.Strategies, a.CreatedAt.Format(time.RFC3339))
}

func cmdBalance(store *accountstore.Store, args []string) {
	if len(args) < 2 {
		fail("balance requires <id> <amt>")
	}
	amt, err := decimal.NewFromString(args[1])
	if err != nil {
		fail("invalid amount: %v", err)
	}
	err = store.Update(args[0], func(a *types.AccountState) {
		a.Balance = amt
		now := time.Now()
		a.LastBalanceUpdate = &now
	})
	if err != nil {
		fail("update balance: %v", err)
	}
	fmt.Printf("account %s balance set to %s\n", args[0], amt.String())
}

func cmdStrategiesList() {
	for _, s := range []types.StrategyType{types.StrategyHourlyArbitrage, types.StrategyPriceArbitrage, types.StrategyLPMaking} {
		fmt.Println(string(s))
	}
}
