package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/medisafe/accessgrant/backend"
	"github.com/medisafe/accessgrant/grant"
	"github.com/medisafe/accessgrant/identity"
	"github.com/medisafe/accessgrant/journal"
	"github.com/medisafe/accessgrant/ledger"
	"github.com/medisafe/accessgrant/requestlog"
	utils "github.com/medisafe/accessgrant/util"
	"github.com/urfave/cli"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/cothority/v3/byzcoin"
	bcadminlib "go.dedis.ch/cothority/v3/byzcoin/bcadmin/lib"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/kyber/v3/util/key"
	"golang.org/x/xerrors"
)

func getBackend() (*backend.Client, identity.Session, error) {
	if cfg.BackendURL == "" {
		return nil, nil, xerrors.New("no backend configured, set backend_url or MEDSAFE_BACKEND_URL")
	}
	session := identity.NewStaticSession(cfg.Token)
	return backend.NewClient(cfg.BackendURL, session, cfg.Timeout()), session, nil
}

// getLedger returns the byzcoin client and the signer given by the flags,
// falling back on the configuration.
func getLedger(c *cli.Context) (*byzcoin.Client, *darc.Signer, bcadminlib.Config, error) {
	bcArg := c.String(optionBCConfig)
	if bcArg == "" {
		bcArg = cfg.BcConfig
	}
	if bcArg == "" {
		return nil, nil, bcadminlib.Config{}, xerrors.New("--bc flag is required")
	}
	bcCfg, cl, err := bcadminlib.LoadConfig(bcArg)
	if err != nil {
		return nil, nil, bcadminlib.Config{}, xerrors.Errorf("loading the ByzCoin config: %w", err)
	}

	var signer *darc.Signer
	switch {
	case c.String(optionSign) != "":
		signer, err = bcadminlib.LoadKeyFromString(c.String(optionSign))
	case cfg.Key != "":
		var id darc.Identity
		id, err = darc.ParseIdentity(cfg.Key)
		if err == nil {
			signer, err = bcadminlib.LoadKey(id)
		}
	default:
		signer, err = bcadminlib.LoadKey(bcCfg.AdminIdentity)
	}
	if err != nil {
		return nil, nil, bcadminlib.Config{}, xerrors.Errorf("loading the signer: %w", err)
	}
	return cl, signer, bcCfg, nil
}

func getInstance(c *cli.Context) (byzcoin.InstanceID, error) {
	id := c.String(optionInstance)
	if id == "" {
		id = cfg.Instance
	}
	if id == "" {
		return byzcoin.InstanceID{}, xerrors.New("no accesshash instance, use --instance or spawn one with 'contract spawn --save'")
	}
	return utils.StringToInstanceID(id)
}

func openJournal() (*journal.Journal, error) {
	if cfg.Journal == "" {
		return nil, nil
	}
	err := os.MkdirAll(filepath.Dir(cfg.Journal), 0700)
	if err != nil {
		return nil, xerrors.Errorf("creating the journal directory: %w", err)
	}
	return journal.Open(cfg.Journal)
}

func whoami(c *cli.Context) error {
	bc, _, err := getBackend()
	if err != nil {
		return err
	}
	id, err := bc.ResolveAccount(context.Background())
	if err != nil {
		return reportBackendError(err)
	}
	fmt.Fprintf(c.App.Writer, "%s (%s)\n", id.Principal, id.Role)
	switch id.Role {
	case identity.Unregistered:
		fmt.Fprintln(c.App.Writer, "This account is not registered yet.")
	case identity.Doctor:
		fmt.Fprintln(c.App.Writer, "Doctor accounts have no access requests to answer.")
	}
	return nil
}

func listRequests(c *cli.Context) error {
	bc, session, err := getBackend()
	if err != nil {
		return err
	}
	store := requestlog.NewStore()
	co := grant.NewCoordinator(store, bc, nil, session, grant.Options{
		Navigator: identity.BrowserNavigator{URL: cfg.AuthURL},
	})
	err = co.Refresh(context.Background())
	if err != nil {
		return reportBackendError(err)
	}
	renderRequests(c.App.Writer, store.Snapshot())
	return nil
}

func accept(c *cli.Context) error {
	return decide(c, requestlog.Accept)
}

func decline(c *cli.Context) error {
	return decide(c, requestlog.Decline)
}

func decide(c *cli.Context, decision requestlog.Decision) error {
	if c.NArg() != 1 {
		return xerrors.New("a request hash or number is required")
	}
	bc, session, err := getBackend()
	if err != nil {
		return err
	}
	cl, signer, _, err := getLedger(c)
	if err != nil {
		return err
	}
	instance, err := getInstance(c)
	if err != nil {
		return err
	}
	j, err := openJournal()
	if err != nil {
		return err
	}
	opts := grant.Options{Navigator: identity.BrowserNavigator{URL: cfg.AuthURL}}
	if j != nil {
		defer j.Close()
		opts.Journal = j
	}

	store := requestlog.NewStore()
	co := grant.NewCoordinator(store, bc, ledger.NewSubmitter(cl, *signer, instance), session, opts)
	ctx := context.Background()
	err = co.Refresh(ctx)
	if err != nil {
		return reportBackendError(err)
	}
	requestID, err := resolveRequest(store, c.Args().First())
	if err != nil {
		return err
	}

	res, err := co.Decide(ctx, requestID, decision)
	if err != nil {
		var de *grant.DecisionError
		if xerrors.As(err, &de) {
			fmt.Fprintf(c.App.ErrWriter, "Could not %s the request: %s\n", decision, de.Message)
		}
		return err
	}
	if res.Notify != "" {
		fmt.Fprintln(c.App.Writer, res.Notify)
	}
	// the backend is the reference once the decision is confirmed
	err = co.Refresh(ctx)
	if err != nil {
		return reportBackendError(err)
	}
	renderRequests(c.App.Writer, store.Snapshot())
	return nil
}

// resolveRequest accepts a request hash or the number shown by 'requests'.
func resolveRequest(store *requestlog.Store, arg string) (string, error) {
	if _, ok := store.Get(arg); ok {
		return arg, nil
	}
	if n, err := strconv.Atoi(arg); err == nil {
		for _, ar := range store.Snapshot() {
			if ar.SerialNo == n {
				return ar.RequestID, nil
			}
		}
	}
	return "", xerrors.Errorf("%s: %w", arg, requestlog.ErrUnknownRequest)
}

func reportBackendError(err error) error {
	if xerrors.Is(err, backend.ErrAuthExpired) {
		return xerrors.Errorf("your session expired, log in again at %s: %w", cfg.AuthURL, err)
	}
	if msg := backend.Notify(err); msg != "" {
		return xerrors.Errorf("%s: %w", msg, err)
	}
	return err
}

func history(c *cli.Context) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	if j == nil {
		return xerrors.New("the journal is disabled")
	}
	defer j.Close()

	ctx := context.Background()
	var attempts []grant.Attempt
	switch {
	case c.Bool(optionUnconfirmed):
		attempts, err = j.Unconfirmed(ctx)
	case c.NArg() > 0:
		attempts, err = j.ListByRequest(ctx, c.Args().First())
	default:
		attempts, err = j.List(ctx)
	}
	if err != nil {
		return err
	}
	renderAttempts(c.App.Writer, attempts)
	return nil
}

func contractSpawn(c *cli.Context) error {
	cl, signer, bcCfg, err := getLedger(c)
	if err != nil {
		return err
	}
	d := &bcCfg.AdminDarc
	if c.String(optionDarc) != "" {
		id, err := utils.StringToDarcID(c.String(optionDarc))
		if err != nil {
			return xerrors.Errorf("failed to parse darc: %w", err)
		}
		d, err = utils.GetDarcByID(cl, id)
		if err != nil {
			return err
		}
	}
	err = utils.CheckRules(d, darc.Action("spawn:"+ledger.ContractAccessHashID),
		darc.Action("invoke:"+ledger.ContractAccessHashID+"."+ledger.MethodAddAccessHash))
	if err != nil {
		return err
	}

	instance, err := ledger.Deploy(cl, *signer, d.GetBaseID())
	if err != nil {
		return xerrors.Errorf("spawning the accesshash instance: %w", err)
	}
	fmt.Fprintln(c.App.Writer, hex.EncodeToString(instance.Slice()))

	if c.Bool(optionSave) {
		cfg.Instance = hex.EncodeToString(instance.Slice())
		err = cfg.Save(c.GlobalString("file"))
		if err != nil {
			return err
		}
	}
	return bcadminlib.WaitPropagation(c, cl)
}

func contractShow(c *cli.Context) error {
	bcArg := c.String(optionBCConfig)
	if bcArg == "" {
		bcArg = cfg.BcConfig
	}
	if bcArg == "" {
		return xerrors.New("--bc flag is required")
	}
	_, cl, err := bcadminlib.LoadConfig(bcArg)
	if err != nil {
		return err
	}
	instance, err := getInstance(c)
	if err != nil {
		return err
	}
	hl, err := ledger.ReadLog(cl, instance)
	if err != nil {
		return err
	}
	renderAnchors(c.App.Writer, hl)
	return nil
}

func createKey(c *cli.Context) error {
	kp := key.NewKeyPair(cothority.Suite)
	keys := darc.NewSignerEd25519(kp.Public, kp.Private)
	fmt.Fprintln(c.App.Writer, "New signer identity key pair created :")
	fmt.Fprintln(c.App.Writer, keys.Identity().String())
	return bcadminlib.SaveKey(keys)
}

func configShow(c *cli.Context) error {
	shown := *cfg
	if shown.Token != "" {
		shown.Token = "********"
	}
	return toml.NewEncoder(c.App.Writer).Encode(shown)
}

func configSave(c *cli.Context) error {
	path := c.GlobalString("file")
	err := cfg.Save(path)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, "configuration written to", path)
	return nil
}
