package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	golog "github.com/textileio/go-log/v2"

	"github.com/gavelhouse/gaveld/httpapi"
	"github.com/gavelhouse/gaveld/lib/auction"
	"github.com/gavelhouse/gaveld/lib/common"
	"github.com/gavelhouse/gaveld/lib/dshelper"
	"github.com/gavelhouse/gaveld/lib/finalizer"
	"github.com/gavelhouse/gaveld/service"
	"github.com/gavelhouse/gaveld/service/limiter"
)

var (
	cliName           = "gaveld"
	defaultConfigPath = filepath.Join(os.Getenv("HOME"), "."+cliName)
	log               = golog.Logger(cliName)
	v                 = viper.New()

	offersListFields = []string{"Index", "ID", "Bidder", "Amount", "ReceivedAt"}
)

func init() {
	_ = godotenv.Load(".env")
	configPath := os.Getenv("GAVELD_PATH")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	_ = godotenv.Load(filepath.Join(configPath, ".env"))

	rootCmd.AddCommand(initCmd, daemonCmd, auctionCmd, offersCmd, bidCmd, withdrawCmd, finalizeCmd, adminCmd, feesCmd)
	offersCmd.AddCommand(offersListCmd, offersShowCmd)
	adminCmd.AddCommand(adminPauseCmd, adminResumeCmd, adminRefundsCmd, adminEndCmd, adminSweepCmd, adminCreditCmd)
	feesCmd.AddCommand(feesShowCmd, feesWithdrawCmd)

	commonFlags := []common.Flag{
		{
			Name:        "http-port",
			DefValue:    "9999",
			Description: "HTTP API listen address",
		},
		{
			Name:        "account",
			DefValue:    "",
			Description: "Account id used as the caller identity for client commands",
		},
		{Name: "json", DefValue: false,
			Description: "output in json format instead of tabular print"},
	}
	daemonFlags := []common.Flag{
		{
			Name:        "seller-addr",
			DefValue:    "",
			Description: "Account receiving the winning amount and collected fees; required",
		},
		{
			Name:        "admin-addrs",
			DefValue:    []string{},
			Description: "Accounts allowed to pause bidding and run the administrative paths; required",
		},
		{
			Name:        "auction-start",
			DefValue:    "",
			Description: "Auction opening time in RFC3339 format; default is one minute from now",
		},
		{
			Name:        "auction-duration",
			DefValue:    uint64(60),
			Description: "Auction duration in minutes, up to 30 days",
		},
		{
			Name:     "bid-value-limit",
			DefValue: "",
			Description: `Maximum total value accepted in bids for a period of time.
In the form of '10000/24h', '500/1h', etc. Default to no limit.
Be aware that the value counter resets when gaveld restarts.`,
		},
		{Name: "metrics-addr", DefValue: ":9090", Description: "Prometheus listen address"},
		{Name: "log-debug", DefValue: false, Description: "Enable debug level log"},
		{Name: "log-json", DefValue: false, Description: "Enable structured logging"},
	}
	offersListFlags := []common.Flag{
		{Name: "bidder", DefValue: "", Description: "filter by bidder account"},
		{Name: "limit", DefValue: 0, Description: "maximum number of offers to return"},
	}
	withdrawFlags := []common.Flag{
		{Name: "excess", DefValue: false,
			Description: "withdraw the full balance while the auction is still active (non-leaders only)"},
	}

	cobra.OnInitialize(func() {
		v.SetConfigType("json")
		v.SetConfigName("config")
		v.AddConfigPath(os.Getenv("GAVELD_PATH"))
		v.AddConfigPath(defaultConfigPath)
		_ = v.ReadInConfig()
	})

	common.ConfigureCLI(v, "GAVELD", commonFlags, rootCmd.PersistentFlags())
	common.ConfigureCLI(v, "GAVELD", daemonFlags, daemonCmd.PersistentFlags())
	common.ConfigureCLI(v, "GAVELD", offersListFlags, offersListCmd.PersistentFlags())
	common.ConfigureCLI(v, "GAVELD", withdrawFlags, withdrawCmd.PersistentFlags())
}

var rootCmd = &cobra.Command{
	Use:   cliName,
	Short: "gaveld hosts a single-asset English auction with escrowed deposits",
	Long: `gaveld hosts a single-asset English auction with escrowed deposits.

Bidders escalate cumulative totals under a strict minimum raise rule, late
bids extend the deadline, and settlement pays the winning total to the
seller. Losing deposits are refundable minus a fee.

To get started, run 'gaveld init' and then 'gaveld daemon'.
`,
	Args: cobra.ExactArgs(0),
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initializes gaveld configuration files",
	Long: `Initializes gaveld configuration files.

gaveld uses a repository in the local file system. By default, the repo is
located at ~/.gaveld. To change the repo location, set the $GAVELD_PATH
environment variable:

    export GAVELD_PATH=/path/to/gaveldrepo
`,
	Args: cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		path, err := writeConfig()
		common.CheckErrf("writing config: %v", err)
		fmt.Printf("Initialized configuration file: %s\n\n", path)
		fmt.Printf(`Start the auction daemon with the seller and admin accounts:

    gaveld daemon --seller-addr [seller] --admin-addrs [admin1,admin2]

Fund bidder accounts with 'gaveld admin credit', then bid with
'gaveld bid --account [bidder] [amount]'.
`)
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the auction daemon",
	Long:  "Run the auction daemon that hosts the auction, the offer log and the HTTP API.",
	Args:  cobra.ExactArgs(0),
	PersistentPreRun: func(c *cobra.Command, args []string) {
		common.ExpandEnvVars(v, v.AllSettings())
		err := common.ConfigureLogging(v, []string{
			cliName,
			"gaveld/service",
			"gaveld/engine",
			"gaveld/store",
			"gaveld/api",
			"gaveld/vault",
		})
		common.CheckErrf("setting log levels: %v", err)
	},
	Run: func(c *cobra.Command, args []string) {
		if v.GetString("seller-addr") == "" {
			common.CheckErr(errors.New("--seller-addr is required. See 'gaveld help init' for instructions"))
		}
		admins := common.ParseStringSlice(v, "admin-addrs")
		if len(admins) == 0 {
			common.CheckErr(errors.New("--admin-addrs is required. See 'gaveld help init' for instructions"))
		}

		settings, err := common.MarshalConfig(v, !v.GetBool("log-json"))
		common.CheckErrf("marshaling config: %v", err)
		log.Infof("loaded config: %s", string(settings))

		fin := finalizer.NewFinalizer()
		repoPath := os.Getenv("GAVELD_PATH")
		if repoPath == "" {
			repoPath = defaultConfigPath
		}

		store, err := dshelper.NewBadgerTxnDatastore(filepath.Join(repoPath, "offerstore"))
		common.CheckErrf("creating datastore: %v", err)
		fin.Add(store)

		err = common.SetupInstrumentation(v.GetString("metrics-addr"))
		common.CheckErrf("booting instrumentation: %v", err)

		startTime := time.Now().Add(time.Minute)
		if s := v.GetString("auction-start"); s != "" {
			startTime, err = time.Parse(time.RFC3339, s)
			common.CheckErrf("parsing auction start: %v", err)
		}

		var bidValueLimiter limiter.Limiter = limiter.NopeLimiter{}
		if limit := v.GetString("bid-value-limit"); limit != "" {
			lim, err := parseBidValueLimit(limit)
			common.CheckErrf(fmt.Sprintf("parsing '%s': %%v", limit), err)
			bidValueLimiter = lim
		}

		adminIDs := make([]auction.AccountID, len(admins))
		for i, a := range admins {
			adminIDs[i] = auction.AccountID(a)
		}
		config := service.Config{
			Auction: service.AuctionConfig{
				Seller:          auction.AccountID(v.GetString("seller-addr")),
				Admins:          adminIDs,
				StartTime:       startTime,
				DurationMinutes: v.GetUint64("auction-duration"),
			},
			BidValueLimiter: bidValueLimiter,
		}
		serv, err := service.New(config, store)
		common.CheckErrf("starting service: %v", err)
		fin.Add(serv)

		api, err := httpapi.NewServer(":"+v.GetString("http-port"), serv)
		common.CheckErrf("creating http API server: %v", err)
		fin.Add(api)

		common.HandleInterrupt(func() {
			common.CheckErr(fin.Cleanupf("closing service: %v", nil))
		})
	},
}

var auctionCmd = &cobra.Command{
	Use:   "auction",
	Short: "Show the auction status",
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		b := clientGet(urlFor("auction"))
		if v.GetBool("json") {
			printJSON(b)
			return
		}
		var st auctionView
		common.CheckErr(json.Unmarshal(b, &st))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
		typ := reflect.TypeOf(st)
		value := reflect.ValueOf(st)
		for i := 0; i < typ.NumField(); i++ {
			_, err := fmt.Fprintf(w, "%s:\t%v\n", typ.Field(i).Name, value.Field(i))
			common.CheckErr(err)
		}
		_ = w.Flush()
	},
}

var offersCmd = &cobra.Command{
	Use: "offers",
	Aliases: []string{
		"offer",
	},
	Short: "Interact with the offer log",
	Long:  "Interact with the offer log.",
	Args:  cobra.ExactArgs(0),
}

var offersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List offers, optionally filtered by bidder",
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		query := ""
		if bidder := v.GetString("bidder"); bidder != "" {
			query = "?bidder=" + bidder
		}
		b := clientGet(urlFor("offers") + query)
		if v.GetBool("json") {
			printJSON(b)
			return
		}
		var offers []offerView
		common.CheckErr(json.Unmarshal(b, &offers))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', tabwriter.DiscardEmptyColumns)
		for i, offer := range offers {
			if i == 0 {
				for _, field := range offersListFields {
					_, err := fmt.Fprintf(w, "%s\t", field)
					common.CheckErr(err)
				}
				_, err := fmt.Fprintln(w, "")
				common.CheckErr(err)
			}
			value := reflect.ValueOf(offer)
			for _, field := range offersListFields {
				_, err := fmt.Fprintf(w, "%v\t", value.FieldByName(field))
				common.CheckErr(err)
			}
			_, err := fmt.Fprintln(w, "")
			common.CheckErr(err)
		}
		_ = w.Flush()
	},
}

var offersShowCmd = &cobra.Command{
	Use:   "show <index>",
	Short: "Show details of one offer",
	Long:  `Show details of one offer, specified by the log index, which can be obtained by 'gaveld offers list'`,
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		b := clientGet(urlFor("offers", args[0]))
		if v.GetBool("json") {
			printJSON(b)
			return
		}
		var offer offerView
		common.CheckErr(json.Unmarshal(b, &offer))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
		typ := reflect.TypeOf(offer)
		value := reflect.ValueOf(offer)
		for i := 0; i < typ.NumField(); i++ {
			_, err := fmt.Fprintf(w, "%s:\t%v\n", typ.Field(i).Name, value.Field(i))
			common.CheckErr(err)
		}
		_ = w.Flush()
	},
}

var bidCmd = &cobra.Command{
	Use:   "bid <amount>",
	Short: "Place a bid, escalating your cumulative total",
	Long: `Place a bid, escalating your cumulative total.

The amount is the increment added to your existing deposit. The resulting
total must exceed the current highest total by the minimum raise.
`,
	Args: cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		amount, err := auction.ParseAmount(args[0])
		common.CheckErrf("parsing amount: %v", err)
		body, err := json.Marshal(map[string]string{"amount": amount.String()})
		common.CheckErr(err)
		b := clientPost(urlFor("bid"), body)
		printJSON(b)
	},
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw",
	Short: "Withdraw your refundable deposit",
	Long: `Withdraw your refundable deposit.

After the auction ends, losing deposits are refunded minus the fee. With
--excess, withdraw the full balance while the auction is still active
(non-leaders only, fee-free).
`,
	Args: cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		endpoint := "withdraw"
		if v.GetBool("excess") {
			endpoint = "withdraw-excess"
		}
		b := clientPost(urlFor(endpoint), nil)
		printJSON(b)
	},
}

var finalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "End the auction and settle with the seller",
	Long:  "End the auction once the deadline passed, paying the winning total to the seller.",
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		clientPost(urlFor("finalize"), nil)
		fmt.Println("auction finalized")
	},
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administrative auction controls",
	Long:  "Administrative auction controls. All subcommands require an admin --account.",
	Args:  cobra.ExactArgs(0),
}

var adminPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause bidding",
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		clientPut(urlFor("pause"))
		fmt.Println("bidding paused")
	},
}

var adminResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume bidding",
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		clientPut(urlFor("resume"))
		fmt.Println("bidding resumed")
	},
}

var adminRefundsCmd = &cobra.Command{
	Use:   "refunds",
	Short: "Refund every losing bidder that still has a balance",
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		b := clientPost(urlFor("admin", "refunds"), nil)
		printJSON(b)
	},
}

var adminEndCmd = &cobra.Command{
	Use:   "end",
	Short: "Force-end the auction without settlement",
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		clientPost(urlFor("admin", "end"), nil)
		fmt.Println("auction force-ended")
	},
}

var adminSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Sweep all residual custody to the seller",
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		b := clientPost(urlFor("admin", "sweep"), nil)
		printJSON(b)
	},
}

var adminCreditCmd = &cobra.Command{
	Use:   "credit <account> <amount>",
	Short: "Fund an account's spendable balance",
	Args:  cobra.ExactArgs(2),
	Run: func(c *cobra.Command, args []string) {
		amount, err := auction.ParseAmount(args[1])
		common.CheckErrf("parsing amount: %v", err)
		body, err := json.Marshal(map[string]string{"account": args[0], "amount": amount.String()})
		common.CheckErr(err)
		clientPost(urlFor("admin", "credit"), body)
		fmt.Printf("credited %s to %s\n", humanize.BigComma(amount), args[0])
	},
}

var feesCmd = &cobra.Command{
	Use:   "fees",
	Short: "Interact with collected refund fees",
	Args:  cobra.ExactArgs(0),
}

var feesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the collected fee balance (seller only)",
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		b := clientGet(urlFor("fees"))
		printJSON(b)
	},
}

var feesWithdrawCmd = &cobra.Command{
	Use:   "withdraw",
	Short: "Pay the collected fees out to the seller (seller only)",
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		b := clientPost(urlFor("fees", "withdraw"), nil)
		printJSON(b)
	},
}

func main() {
	common.CheckErr(rootCmd.Execute())
}

// auctionView mirrors the /auction response for tabular output.
type auctionView struct {
	ID            string `json:"id"`
	Phase         string `json:"phase"`
	Seller        string `json:"seller"`
	StartTime     string `json:"startTime"`
	EndTime       string `json:"endTime"`
	HighestBidder string `json:"highestBidder"`
	HighestBid    string `json:"highestBid"`
	OfferCount    int    `json:"offerCount"`
	Paused        bool   `json:"paused"`
	Winner        string `json:"winner"`
	WinningAmount string `json:"winningAmount"`
}

// offerView mirrors the /offers response for tabular output.
type offerView struct {
	ID         string `json:"id"`
	Index      int    `json:"index"`
	Bidder     string `json:"bidder"`
	Amount     string `json:"amount"`
	ReceivedAt string `json:"receivedAt"`
}

func writeConfig() (string, error) {
	configPath := os.Getenv("GAVELD_PATH")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	if err := os.MkdirAll(configPath, os.ModePerm); err != nil {
		return "", fmt.Errorf("creating config directory: %v", err)
	}
	name := filepath.Join(configPath, "config")
	if _, err := os.Stat(name); err == nil {
		return "", fmt.Errorf("%s already exists", name)
	}
	settings, err := common.MarshalConfig(v, true)
	if err != nil {
		return "", fmt.Errorf("marshaling config: %v", err)
	}
	if err := ioutil.WriteFile(name, settings, 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %v", err)
	}
	return name, nil
}

func urlFor(parts ...string) string {
	u := "http://127.0.0.1:" + v.GetString("http-port")
	if len(parts) > 0 {
		u += "/" + path.Join(parts...)
	}
	return u
}

func clientGet(u string) []byte {
	req, err := http.NewRequest(http.MethodGet, u, nil)
	common.CheckErr(err)
	return doRequest(req)
}

func clientPost(u string, body []byte) []byte {
	req, err := http.NewRequest(http.MethodPost, u, bytes.NewReader(body))
	common.CheckErr(err)
	return doRequest(req)
}

func clientPut(u string) []byte {
	req, err := http.NewRequest(http.MethodPut, u, nil)
	common.CheckErr(err)
	return doRequest(req)
}

func doRequest(req *http.Request) []byte {
	if acct := v.GetString("account"); acct != "" {
		req.Header.Set("X-Gaveld-Account", acct)
	}
	res, err := http.DefaultClient.Do(req)
	common.CheckErr(err)
	defer func() {
		err := res.Body.Close()
		common.CheckErr(err)
	}()
	b, _ := ioutil.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK {
		log.Fatalf("%s: %s", res.Status, strings.TrimSpace(string(b)))
	}
	return b
}

func printJSON(b []byte) {
	if len(b) == 0 {
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, b, "", "\t"); err != nil {
		fmt.Println(string(b))
		return
	}
	fmt.Println(buf.String())
}

func parseBidValueLimit(s string) (limiter.Limiter, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return nil, errors.New("should be separated by forward slash (/)")
	}
	amount, err := auction.ParseAmount(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, err
	}
	return limiter.NewRunningTotalLimiter(d, amount), nil
}
