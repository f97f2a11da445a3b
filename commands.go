package main

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gregLibert/card-edge/pkg/iso7816"
	"github.com/gregLibert/card-edge/pkg/pcsc"
	"github.com/gregLibert/card-edge/pkg/piv"
	"github.com/gregLibert/card-edge/pkg/scp"
	"github.com/gregLibert/card-edge/pkg/tlv"
	"github.com/moov-io/bertlv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// defaultSecurityDomain is the GlobalPlatform Issuer Security Domain AID.
const defaultSecurityDomain = "A000000151000000"

func newReadersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "readers",
		Short: "List the PC/SC readers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			readers, err := pcsc.ListReaders()
			if err != nil {
				return err
			}
			if len(readers) == 0 {
				return pcsc.ErrNoReader
			}
			for i, r := range readers {
				fmt.Fprintf(cmd.OutOrStdout(), "[%d] %s\n", i, r)
			}
			return nil
		},
	}
}

func newDiscoverCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Select the PIV application and read its public data objects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.connect()
			if err != nil {
				return err
			}
			defer s.close(a.logger)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, ">> Using reader: %s\n", s.card.Reader())
			if atr, err := scp.ParseATR(s.card.ATR()); err == nil {
				fmt.Fprintf(out, ">> ATR: %s\n", atr)
			}

			card := piv.NewCard(s.client, a.logger)

			banner(cmd, "Step 1: SELECT PIV (%X)", piv.AID)
			apt, sel, err := card.Select()
			if sel != nil {
				fmt.Fprintln(out, sel.Describe())
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(out, apt.Describe())

			banner(cmd, "Step 2: DISCOVERY OBJECT")
			primary := piv.PINApplication
			if d, err := card.Discovery(); err != nil {
				fmt.Fprintf(out, "(!) %v\n", err)
			} else {
				fmt.Fprintln(out, d.Describe())
				primary = d.PrimaryPIN()
			}

			banner(cmd, "Step 3: DATA OBJECTS")
			for _, obj := range piv.Objects {
				if obj.PINProtected || obj.Tag.Equal(piv.TagDiscovery) {
					continue
				}
				fmt.Fprintf(out, "\n[%s]\n", obj)
				value, _, err := card.GetObject(obj.Tag)
				if errors.Is(err, piv.ErrObjectNotFound) {
					fmt.Fprintln(out, "    - Not present")
					continue
				}
				if err != nil {
					fmt.Fprintf(out, "(!) %v\n", err)
					continue
				}
				report, err := piv.DescribeObject(obj.Tag, value)
				if err != nil {
					fmt.Fprintf(out, "(!) %d bytes, parsing failed: %v\n", len(value), err)
					continue
				}
				fmt.Fprintln(out, report)
			}

			banner(cmd, "Step 4: PIN STATUS")
			status, err := card.PINStatus(primary)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, ">> %s: %s\n", primary, status)
			return nil
		},
	}
}

func newGetDataCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "get-data <object>",
		Short: "Read one PIV data object by name or tag",
		Long: "Read one PIV data object. The object is a name (" +
			strings.Join(piv.ObjectNames(), ", ") + ") or a hexadecimal tag.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			obj, err := piv.LookupObject(args[0])
			if err != nil {
				return err
			}

			s, err := a.connect()
			if err != nil {
				return err
			}
			defer s.close(a.logger)

			card := piv.NewCard(s.client, a.logger)
			if _, _, err := card.Select(); err != nil {
				return err
			}

			value, report, err := card.GetObject(obj.Tag)
			if err != nil {
				if report != nil && !asJSON {
					fmt.Fprintln(cmd.ErrOrStderr(), report.Describe())
				}
				return err
			}

			if asJSON {
				return writeJSON(cmd, value)
			}

			fmt.Fprintln(cmd.OutOrStdout(), report.Describe())
			described, err := piv.DescribeObject(obj.Tag, value)
			if err != nil {
				return fmt.Errorf("%s: %w", obj, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), described)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the object as a JSON TLV tree")
	return cmd
}

func writeJSON(cmd *cobra.Command, value []byte) error {
	records, err := tlv.Decode(tlv.TrimPadding(value))
	if err != nil {
		return err
	}
	tree, err := tlv.ToBERTLV(records)
	if err != nil {
		// PIV private tags such as the CCC's 'F0' look constructed but hold
		// plain values. Fall back to the top level.
		tree = make([]bertlv.TLV, 0, len(records))
		for _, r := range records {
			tree = append(tree, bertlv.TLV{Tag: r.Tag.String(), Value: r.Value})
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(tree)
}

func newVerifyPINCmd(a *app) *cobra.Command {
	var (
		ref        string
		statusOnly bool
	)

	cmd := &cobra.Command{
		Use:   "verify-pin",
		Short: "Present a PIN to the PIV application, or query its retry counter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reference, err := piv.ParsePINReference(strings.ToLower(ref))
			if err != nil {
				return err
			}

			var pin []byte
			if !statusOnly {
				if pin, err = readPIN(cmd, reference); err != nil {
					return err
				}
				defer func() {
					for i := range pin {
						pin[i] = 0
					}
				}()
			}

			s, err := a.connect()
			if err != nil {
				return err
			}
			defer s.close(a.logger)

			card := piv.NewCard(s.client, a.logger)
			if _, _, err := card.Select(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if statusOnly {
				status, err := card.PINStatus(reference)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, ">> %s: %s\n", reference, status)
				return nil
			}

			if err := card.VerifyPIN(reference, pin); err != nil {
				return err
			}
			fmt.Fprintf(out, ">> %s verified\n", reference)
			return nil
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "pin", "PIN reference: pin, global or puk")
	cmd.Flags().BoolVar(&statusOnly, "status", false, "only query the retry counter")
	return cmd
}

// readPIN prompts without echo on a terminal, otherwise reads one line.
func readPIN(cmd *cobra.Command, ref piv.PINReference) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Enter %s: ", ref)
		pin, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", ref, err)
		}
		return pin, nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

func newSecureChannelCmd(a *app) *cobra.Command {
	var (
		aid     string
		level   string
		command string
	)

	cmd := &cobra.Command{
		Use:   "secure-channel",
		Short: "Open a GlobalPlatform secure channel and send a command through it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scCfg := a.cfg.SecureChannel
			if !scCfg.Enabled {
				return errors.New("secure channel is not enabled in the configuration (secure_channel.enabled)")
			}
			if cmd.Flags().Changed("level") {
				scCfg.SecurityLevel = level
			}

			version, err := scp.ParseVersion(scCfg.Version)
			if err != nil {
				return err
			}
			method, err := scp.ParseDiversification(scCfg.Diversification)
			if err != nil {
				return err
			}
			chCfg, err := scCfg.ChannelConfig()
			if err != nil {
				return err
			}
			if err := chCfg.Level.Validate(version); err != nil {
				return err
			}
			chCfg.Logger = a.logger

			target, err := hex.DecodeString(aid)
			if err != nil {
				return fmt.Errorf("--aid: %w", err)
			}
			payload, err := parseCommand(command)
			if err != nil {
				return err
			}

			keys, err := scCfg.StaticKeys()
			if err != nil {
				return err
			}
			provider := scp.NewKeyProvider(keys, method)
			defer provider.Zero()

			s, err := a.connect()
			if err != nil {
				return err
			}
			defer s.close(a.logger)

			out := cmd.OutOrStdout()
			cls, _ := iso7816.NewClass(0x00)
			gp, _ := iso7816.NewClass(0x80)

			banner(cmd, "Step 1: SELECT SECURITY DOMAIN (%X)", target)
			res, err := s.client.Transceive(iso7816.SelectByAID(cls, target))
			if sel, selErr := iso7816.NewSelectResult(res); selErr == nil {
				fmt.Fprintln(out, sel.Describe())
				fci, _ := sel.FCI()
				if sd, _ := fci.SecurityDomain(); sd != nil {
					if n, ok := sd.MaxCommandLength(); ok {
						fmt.Fprintf(out, "    - Max command data: %d bytes\n", n)
					}
				}
			}
			if err != nil {
				return err
			}

			banner(cmd, "Step 2: CARD PROFILE")
			var cplc []byte
			if res, err := s.client.Transceive(iso7816.GetData(gp, 0x9F7F)); err == nil {
				if parsed, err := scp.ParseCPLC(res.Data()); err == nil {
					cplc = res.Data()
					fmt.Fprintln(out, parsed.Describe())
				}
			}
			if cplc == nil {
				fmt.Fprintln(out, "    - CPLC not available")
			}

			keyInfo := []byte{keys.Version, byte(version)}
			if scCfg.Param != nil {
				keyInfo = append(keyInfo, byte(*scCfg.Param))
			}
			if !provider.Init(s.card.ATR(), cplc, keyInfo) {
				a.logger.Warn("card profile rejected, continuing without it",
					zap.String("atr", fmt.Sprintf("%X", s.card.ATR())))
			}

			banner(cmd, "Step 3: OPEN %s AT %s", version, chCfg.Level)
			ch, err := scp.Open(s.client, provider, chCfg)
			if err != nil {
				return err
			}
			defer ch.Close()
			fmt.Fprintf(out, ">> Session %s established (%s, level %s)\n", ch.ID(), ch.Version(), ch.Level())

			banner(cmd, "Step 4: PROTECTED COMMAND")
			res, err = s.client.Transceive(payload)
			if res != nil {
				fmt.Fprintln(out, res.Describe())
			}
			return err
		},
	}
	cmd.Flags().StringVar(&aid, "aid", defaultSecurityDomain, "security domain AID")
	cmd.Flags().StringVar(&level, "level", "", "security level, overrides the configuration (e.g. cmac|cdec|rmac)")
	cmd.Flags().StringVar(&command, "command", "80CA9F7F00", "APDU sent through the channel, hexadecimal")
	return cmd
}

func parseCommand(s string) (*iso7816.CommandAPDU, error) {
	raw, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("--command: %w", err)
	}
	cmd, err := iso7816.ParseCommandAPDU(raw)
	if err != nil {
		return nil, fmt.Errorf("--command: %w", err)
	}
	return cmd, nil
}
