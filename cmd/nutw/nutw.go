package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut11"
	"github.com/elnosh/nutcore/wallet"
	"github.com/urfave/cli/v2"
)

var nutw *wallet.Wallet

const (
	mintFlag = "mint"
	unitFlag = "unit"
)

func commandUnit(ctx *cli.Context) cashu.Unit {
	unit, err := cashu.UnitFromString(ctx.String(unitFlag))
	if err != nil {
		printErr(err)
	}
	return unit
}

func setupWallet(ctx *cli.Context) error {
	config, err := walletConfig(commandUnit(ctx))
	if err != nil {
		printErr(err)
	}

	nutw, err = wallet.LoadWallet(config)
	if err != nil {
		printErr(err)
	}
	return nil
}

func shutdownWallet(ctx *cli.Context) error {
	if nutw != nil {
		return nutw.Shutdown()
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := &cli.App{
		Name:  "nutw",
		Usage: "cashu cli wallet",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  mintFlag,
				Usage: "mint to use instead of the configured MINT_URL",
			},
			&cli.StringFlag{
				Name:  unitFlag,
				Usage: "unit of the amounts",
				Value: cashu.Sat.String(),
			},
		},
		After: shutdownWallet,
		Commands: []*cli.Command{
			balanceCmd,
			mintCmd,
			sendCmd,
			receiveCmd,
			payCmd,
			restoreCmd,
			checkCmd,
			decodeCmd,
			infoCmd,
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Usage:  "balance per mint and unit",
	Before: setupWallet,
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	balances := nutw.Balances()
	if len(balances) == 0 {
		fmt.Println("no balance")
		return nil
	}

	for mint, units := range balances {
		fmt.Printf("%v\n", mint)
		for unit, amount := range units {
			fmt.Printf("  %v %v\n", amount, unit)
		}
		if pending := nutw.PendingBalance(mint); pending > 0 {
			fmt.Printf("  %v pending\n", pending)
		}
	}
	return nil
}

const preimageFlag = "preimage"

var receiveCmd = &cli.Command{
	Name:      "receive",
	Usage:     "receive a cashu token",
	ArgsUsage: "[TOKEN]",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  preimageFlag,
			Usage: "preimage to unlock an HTLC locked token",
		},
	},
	Action: receive,
}

func receive(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("cashu token not provided"))
	}

	token, err := cashu.DecodeToken(args.First())
	if err != nil {
		printErr(err)
	}

	amount, err := nutw.Receive(ctx.Context, token, wallet.ReceiveOptions{Preimage: ctx.String(preimageFlag)})
	if err != nil {
		printErr(err)
	}

	fmt.Printf("%v %v received\n", amount, token.Unit())
	return nil
}

const (
	quoteFlag = "quote"
	waitFlag  = "wait"
)

var mintCmd = &cli.Command{
	Name:      "mint",
	Usage:     "request a mint quote or claim a paid one",
	ArgsUsage: "[AMOUNT]",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  quoteFlag,
			Usage: "claim the ecash of a paid quote",
		},
		&cli.BoolFlag{
			Name:  waitFlag,
			Usage: "wait for the invoice to be paid and claim the ecash",
		},
	},
	Action: mint,
}

func mint(ctx *cli.Context) error {
	if ctx.IsSet(quoteFlag) {
		if err := claimQuote(ctx, ctx.String(quoteFlag)); err != nil {
			printErr(err)
		}
		return nil
	}

	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to mint"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	quote, err := nutw.RequestMint(ctx.Context, amount, commandUnit(ctx), ctx.String(mintFlag))
	if err != nil {
		printErr(err)
	}

	fmt.Printf("invoice: %v\n\n", quote.PaymentRequest)
	if !ctx.Bool(waitFlag) {
		fmt.Printf("after paying the invoice you can claim the ecash with --%v %v\n", quoteFlag, quote.QuoteId)
		return nil
	}

	if err := claimQuote(ctx, quote.QuoteId); err != nil {
		printErr(err)
	}
	return nil
}

func claimQuote(ctx *cli.Context, quoteId string) error {
	var opts wallet.PollOptions
	if !ctx.Bool(waitFlag) {
		opts.MaxRetries = 1
	}
	amount, err := nutw.AwaitAndClaim(ctx.Context, quoteId, opts)
	if err != nil {
		return err
	}
	fmt.Printf("%v %v minted\n", amount, commandUnit(ctx))
	return nil
}

const (
	lockFlag      = "lock"
	hashFlag      = "hash"
	memoFlag      = "memo"
	includeFees   = "include-fees"
	legacyFlag    = "legacy"
	locktimeFlag  = "locktime"
	refundKeyFlag = "refund"
)

var sendCmd = &cli.Command{
	Name:      "send",
	Usage:     "create a token",
	ArgsUsage: "[AMOUNT]",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  lockFlag,
			Usage: "lock the token to a public key",
		},
		&cli.StringFlag{
			Name:  hashFlag,
			Usage: "lock the token to the preimage of a hash",
		},
		&cli.DurationFlag{
			Name:  locktimeFlag,
			Usage: "lock duration after which refund keys can spend the token",
		},
		&cli.StringSliceFlag{
			Name:  refundKeyFlag,
			Usage: "public key that can spend the token after the locktime",
		},
		&cli.StringFlag{
			Name:  memoFlag,
			Usage: "memo for the token",
		},
		&cli.BoolFlag{
			Name:  includeFees,
			Usage: "add the fees the receiver pays to redeem the token",
		},
		&cli.BoolFlag{
			Name:  legacyFlag,
			Usage: "create a V3 token",
		},
	},
	Action: send,
}

func send(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to send"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	opts := wallet.SendOptions{
		Memo:        ctx.String(memoFlag),
		IncludeFees: ctx.Bool(includeFees),
		TokenV3:     ctx.Bool(legacyFlag),
	}

	var tags nut11.P2PKTags
	if ctx.IsSet(locktimeFlag) {
		tags.Locktime = time.Now().Add(ctx.Duration(locktimeFlag)).Unix()
	}
	tags.Refund, err = parseRefundKeys(ctx.StringSlice(refundKeyFlag))
	if err != nil {
		printErr(err)
	}

	switch {
	case ctx.IsSet(lockFlag) && ctx.IsSet(hashFlag):
		printErr(fmt.Errorf("only one of --%v and --%v can be set", lockFlag, hashFlag))
	case ctx.IsSet(lockFlag):
		opts.Condition, err = wallet.P2PKCondition(ctx.String(lockFlag), tags)
	case ctx.IsSet(hashFlag):
		opts.Condition, err = wallet.HTLCCondition(ctx.String(hashFlag), tags)
	}
	if err != nil {
		printErr(err)
	}

	token, err := nutw.Send(ctx.Context, ctx.String(mintFlag), commandUnit(ctx), amount, opts)
	if err != nil {
		printErr(err)
	}

	serialized, err := token.Serialize()
	if err != nil {
		printErr(err)
	}
	fmt.Printf("%v\n", serialized)
	return nil
}

func parseRefundKeys(keys []string) ([]*btcec.PublicKey, error) {
	var refund []*btcec.PublicKey
	for _, key := range keys {
		pubkey, err := nut11.ParsePublicKey(key)
		if err != nil {
			return nil, fmt.Errorf("invalid refund key '%v': %w", key, err)
		}
		refund = append(refund, pubkey)
	}
	return refund, nil
}

var payCmd = &cli.Command{
	Name:      "pay",
	Usage:     "pay a lightning invoice",
	ArgsUsage: "[INVOICE]",
	Before:    setupWallet,
	Action:    pay,
}

func pay(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a lightning invoice to pay"))
	}

	result, err := nutw.Melt(ctx.Context, ctx.String(mintFlag), commandUnit(ctx), args.First())
	if errors.Is(err, wallet.ErrAmbiguousSettlement) {
		fmt.Printf("payment of quote %v is %v, run 'nutw check' later to settle it\n", result.QuoteId, result.State)
		return nil
	}
	if err != nil {
		printErr(err)
	}

	fmt.Printf("invoice paid: %v\n", result.Paid)
	if result.Paid {
		fmt.Printf("preimage: %v\n", result.Preimage)
		fmt.Printf("change: %v\n", result.Change)
	}
	return nil
}

const mnemonicFlag = "mnemonic"

var restoreCmd = &cli.Command{
	Name:      "restore",
	Usage:     "restore a wallet from a mnemonic",
	ArgsUsage: "[MINT...]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     mnemonicFlag,
			Usage:    "bip39 mnemonic of the wallet",
			Required: true,
		},
	},
	Action: restore,
}

func restore(ctx *cli.Context) error {
	config, err := walletConfig(commandUnit(ctx))
	if err != nil {
		printErr(err)
	}

	mints := ctx.Args().Slice()
	if len(mints) == 0 {
		mints = []string{config.CurrentMintURL}
	}

	restored, amount, err := wallet.RestoreWallet(ctx.Context, config, ctx.String(mnemonicFlag), mints)
	if restored != nil {
		defer restored.Shutdown()
	}
	if err != nil {
		printErr(err)
	}

	fmt.Printf("restored %v from %v mint(s)\n", amount, len(mints))
	return nil
}

var checkCmd = &cli.Command{
	Name:   "check",
	Usage:  "settle pending proofs and remove spent ones",
	Before: setupWallet,
	Action: check,
}

func check(ctx *cli.Context) error {
	mints := nutw.TrustedMints()
	if ctx.IsSet(mintFlag) {
		mints = []string{ctx.String(mintFlag)}
	}

	for _, mint := range mints {
		pending, err := nutw.CheckPendingProofs(ctx.Context, mint)
		if err != nil {
			printErr(err)
		}
		stored, err := nutw.CheckProofsState(ctx.Context, mint)
		if err != nil {
			printErr(err)
		}

		fmt.Printf("%v\n", mint)
		fmt.Printf("  pending: %v settled, %v recovered, %v reinstated, %v still pending\n",
			pending.SpentAmount, pending.RecoveredAmount, pending.UnspentAmount, pending.PendingAmount)
		fmt.Printf("  stored: %v spent removed, %v unspent\n", stored.SpentAmount, stored.UnspentAmount)
		for _, unit := range []cashu.Unit{cashu.Sat, cashu.Msat, cashu.Usd, cashu.Eur} {
			locked := nutw.LockedProofs(mint, unit)
			if len(locked) == 0 {
				continue
			}
			token, err := cashu.NewTokenV4(locked, mint, unit, "")
			if err != nil {
				printErr(err)
			}
			serialized, err := token.Serialize()
			if err != nil {
				printErr(err)
			}
			fmt.Printf("  locked %v %v, give this token to the key holder:\n%v\n", locked.Amount(), unit, serialized)
		}
	}
	return nil
}

var decodeCmd = &cli.Command{
	Name:      "decode",
	Usage:     "print the contents of a token",
	ArgsUsage: "[TOKEN]",
	Action:    decode,
}

func decode(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("cashu token not provided"))
	}

	token, err := cashu.DecodeToken(args.First())
	if err != nil {
		printErr(err)
	}

	jsonToken, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		printErr(err)
	}
	fmt.Println(string(jsonToken))
	return nil
}

var infoCmd = &cli.Command{
	Name:   "info",
	Usage:  "print the info of the mint",
	Before: setupWallet,
	Action: info,
}

func info(ctx *cli.Context) error {
	mintInfo, err := nutw.GetMintInfo(ctx.Context, ctx.String(mintFlag))
	if err != nil {
		printErr(err)
	}

	jsonInfo, err := json.MarshalIndent(mintInfo, "", "  ")
	if err != nil {
		printErr(err)
	}
	fmt.Println(string(jsonInfo))
	return nil
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(0)
}
