package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/hostca/ca"
	"github.com/rkcloudchain/hostca/client"
	"github.com/rkcloudchain/hostca/config"
	"github.com/rkcloudchain/hostca/metadata"
	"github.com/rkcloudchain/hostca/server"
	"github.com/rkcloudchain/hostca/store"
	"github.com/rkcloudchain/hostca/toolchain"
	"github.com/rkcloudchain/hostca/transfer"
	"github.com/rkcloudchain/hostca/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

const (
	version = "version"
)

// HostCACmd encapsulates cobra command that provides command line interface
// for hostca
type HostCACmd struct {
	name          string
	rootCmd       *cobra.Command
	v             *viper.Viper
	cfgFileName   string
	homeDirectory string
	assumeYes     bool
	cfg           *config.Config
	in            io.Reader
	out           io.Writer
}

// NewCommand returns new HostCACmd ready for running
func NewCommand(name string) *HostCACmd {
	s := &HostCACmd{
		name: name,
		v:    viper.New(),
		in:   os.Stdin,
		out:  os.Stdout,
	}
	s.init()
	return s
}

// Execute runs this HostCACmd
func (s *HostCACmd) Execute() error {
	return s.rootCmd.Execute()
}

func (s *HostCACmd) init() {
	// root command
	rootCmd := &cobra.Command{
		Use:   cmdName,
		Short: longName,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			err := s.configInit()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			if s.v.GetBool("debug") {
				log.Level = log.LevelDebug
			}
			return nil
		},
	}
	s.rootCmd = rootCmd

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the CA store and root certificate",
		Long:  "Create the CA store and generate the encrypted root key and self-signed root certificate if they don't already exist",
	}
	initCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return errors.Errorf(extraArgsError, args, initCmd.UsageString())
		}
		e, err := s.getEngine(true)
		if err != nil {
			return err
		}
		defer e.Close()
		if err = e.EnsureInitialized(); err != nil {
			return err
		}
		if err = e.EnsureRootCertificate(); err != nil {
			return err
		}
		log.Info("Initialization was successful")
		return nil
	}
	s.rootCmd.AddCommand(initCmd)

	issueCmd := &cobra.Command{
		Use:   "issue <common name>...",
		Short: "Issue certificates and deliver them to the remote host",
		Long: "Issue a certificate for every common name in order, copy each signed pair to the remote host " +
			"and remove the local copies. A transfer failure skips the name; any other failure stops the run.",
		Args: cobra.MinimumNArgs(1),
	}
	issueCmd.RunE = func(cmd *cobra.Command, args []string) error {
		e, err := s.getEngine(true)
		if err != nil {
			return err
		}
		defer e.Close()

		report := e.Run(cmd.Context(), args)
		if err = report.Print(s.out); err != nil {
			return err
		}
		return report.Err
	}
	s.rootCmd.AddCommand(issueCmd)

	fingerprintCmd := &cobra.Command{
		Use:   "fingerprint <common name>...",
		Short: "Print the fingerprints of installed certificates",
		Args:  cobra.MinimumNArgs(1),
	}
	fingerprintCmd.RunE = func(cmd *cobra.Command, args []string) error {
		e, err := s.getEngine(false)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(s.out, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "COMMON NAME\tFINGERPRINT")
		for _, cn := range args {
			fp := e.Fingerprint(cn)
			if fp == "" {
				fp = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\n", cn, fp)
		}
		return tw.Flush()
	}
	s.rootCmd.AddCommand(fingerprintCmd)

	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "List the certificates recorded in the CA store",
	}
	ledgerCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return errors.Errorf(extraArgsError, args, ledgerCmd.UsageString())
		}
		e, err := s.getEngine(false)
		if err != nil {
			return err
		}
		entries, err := e.Store().Entries()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(s.out, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "STATUS\tSERIAL\tEXPIRES\tSUBJECT")
		for _, entry := range entries {
			fmt.Fprintf(tw, "%c\t%s\t%s\t%s\n", entry.Status, util.GetSerialAsHex(entry.Serial),
				entry.Expiry.Format("2006-01-02"), entry.DistinguishedName)
		}
		return tw.Flush()
	}
	s.rootCmd.AddCommand(ledgerCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only inspection server",
	}
	serveCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return errors.Errorf(extraArgsError, args, serveCmd.UsageString())
		}
		e, err := s.getEngine(false)
		if err != nil {
			return err
		}
		defer e.Close()
		if st := e.Store().Status(); st == store.Uninitialized {
			log.Warningf("CA store %s is not initialized; run '%s init' to create it", e.Store().Root(), cmdName)
		}
		srv, err := server.New(&s.cfg.Server, e)
		if err != nil {
			return err
		}
		if err = srv.Start(); err != nil {
			return err
		}
		return srv.Wait()
	}
	s.rootCmd.AddCommand(serveCmd)

	statusCmd := &cobra.Command{
		Use:   "status [common name]",
		Short: "Query a running inspection server",
		Args:  cobra.MaximumNArgs(1),
	}
	statusCmd.RunE = func(cmd *cobra.Command, args []string) error {
		c := &client.Client{HomeDir: s.homeDirectory, Config: &s.cfg.Client}
		return s.printStatus(c, args)
	}
	s.rootCmd.AddCommand(statusCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Prints hostca version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(s.out, metadata.GetVersionInfo(cmdName))
		},
	}
	s.rootCmd.AddCommand(versionCmd)
	s.registerFlags()
}

// registers command flags with viper
func (s *HostCACmd) registerFlags() {
	cfg := defaultConfigFile()

	s.v.SetEnvPrefix(envVarPrefix)
	s.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	pflags := s.rootCmd.PersistentFlags()
	pflags.StringVarP(&s.cfgFileName, "config", "c", "", "Configuration file")
	pflags.MarkHidden("config")
	pflags.StringVarP(&s.homeDirectory, "home", "H", "", fmt.Sprintf("hostca's home directory (default \"%s\")", filepath.Dir(cfg)))
	pflags.BoolVarP(&s.assumeYes, "yes", "y", false, "Generate a root CA without asking when none exists")

	s.cfg = &config.Config{}
	err := util.RegisterFlags(s.v, pflags, s.cfg, nil)
	if err != nil {
		panic(err)
	}
}

// Configuration file is not required for some commands like version
func (s *HostCACmd) configRequired() bool {
	return s.name != version
}

// getEngine returns a ca.Engine for the configuration. The passphrase is
// only read when the command may sign.
func (s *HostCACmd) getEngine(signing bool) (*ca.Engine, error) {
	tr := transfer.NewSCP(transfer.SCPConfig{
		KnownHostsFile: s.cfg.Remote.KnownHosts,
		IdentityFile:   s.cfg.Remote.IdentityFile,
		UseAgent:       s.cfg.Remote.UseAgent,
		Timeout:        s.cfg.Remote.Timeout,
	})
	opts := []ca.Option{ca.WithConfirm(s.confirm)}
	if signing {
		passphrase, err := s.passphrase()
		if err != nil {
			return nil, err
		}
		opts = append(opts, ca.WithPassphrase(passphrase))
	}
	return ca.New(s.cfg, toolchain.NewCFSSL(), tr, opts...)
}

// confirm asks a yes/no question on the terminal
func (s *HostCACmd) confirm(question string) bool {
	if s.assumeYes {
		log.Infof("%s yes (--yes)", question)
		return true
	}
	fmt.Fprintf(os.Stderr, "%s [y/N] ", question)
	answer, err := bufio.NewReader(s.in).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// passphrase reads the root key passphrase from HOSTCA_PASSPHRASE or the
// terminal. It is never echoed.
func (s *HostCACmd) passphrase() ([]byte, error) {
	if p := config.PassphraseFromEnv(passphraseEnv); p != nil {
		return p, nil
	}
	f, ok := s.in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil, errors.Errorf("No root key passphrase: set %s or run from a terminal", passphraseEnv)
	}
	fmt.Fprint(os.Stderr, "Root key passphrase: ")
	p, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read passphrase")
	}
	if len(p) == 0 {
		return nil, errors.New("The root key passphrase must not be empty")
	}
	return p, nil
}

func (s *HostCACmd) printStatus(c *client.Client, args []string) error {
	info, err := c.GetCAInfo()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "CA:          %s\n", info.CAName)
	fmt.Fprintf(s.out, "Store:       %s\n", info.StoreStatus)
	fmt.Fprintf(s.out, "Next serial: %s\n", info.NextSerial)
	fmt.Fprintf(s.out, "Fingerprint: %s\n", info.Fingerprint)
	if !info.NotAfter.IsZero() {
		fmt.Fprintf(s.out, "Expires:     %s\n", info.NotAfter.Format("2006-01-02"))
	}
	fmt.Fprintf(s.out, "Version:     %s\n", info.Version)
	if len(args) == 0 {
		return nil
	}

	cert, err := c.Certificate(args[0])
	if err != nil {
		return err
	}
	if cert.JournalBusy {
		fmt.Fprintln(s.out, "Journal:     in use by an issuing process, records omitted")
	}
	tw := tabwriter.NewWriter(s.out, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "\nID\tSTATUS\tSERIAL\tUPDATED\tREASON\n")
	for _, rec := range cert.Records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", rec.ID, rec.Status, rec.Serial, rec.UpdatedAt, rec.Reason)
	}
	if err = tw.Flush(); err != nil {
		return err
	}
	if cert.InstalledFingerprint != "" {
		fmt.Fprintf(s.out, "Installed:   %s\n", cert.InstalledFingerprint)
	}
	return nil
}
