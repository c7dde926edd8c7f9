package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	golog "github.com/textileio/go-log/v2"

	"github.com/gavelhouse/gaveld/buildinfo"
	"github.com/gavelhouse/gaveld/lib/auction"
	"github.com/gavelhouse/gaveld/service"
	"github.com/gavelhouse/gaveld/service/engine"
	offerstore "github.com/gavelhouse/gaveld/service/store"
)

var (
	log = golog.Logger("gaveld/api")
)

// accountHeader carries the caller's account id. The daemon trusts its local
// API surface; key-based authentication is out of scope.
const accountHeader = "X-Gaveld-Account"

// Service provides scoped access to the gaveld service.
type Service interface {
	HealthCheck() error
	Auction() engine.Status
	Winner() (auction.AccountID, *big.Int, error)
	ListOffers(query offerstore.Query) ([]*offerstore.OfferRecord, error)
	GetOfferByIndex(index int) (*offerstore.OfferRecord, error)
	LastOfferIndex(acct auction.AccountID) (int, error)
	BalanceOf(acct auction.AccountID) service.Balance
	CollectedFees(caller auction.AccountID) (*big.Int, error)
	PlaceBid(ctx context.Context, bidder auction.AccountID, amount *big.Int) (*auction.Offer, error)
	WithdrawExcess(ctx context.Context, caller auction.AccountID) (*big.Int, error)
	WithdrawDeposit(ctx context.Context, caller auction.AccountID) (*big.Int, error)
	Finalize(ctx context.Context) error
	DistributeRefunds(ctx context.Context, caller auction.AccountID) (int, error)
	WithdrawFees(ctx context.Context, caller auction.AccountID) (*big.Int, error)
	Pause(caller auction.AccountID) error
	Resume(caller auction.AccountID) error
	EmergencyEnd(caller auction.AccountID) error
	EmergencySweep(ctx context.Context, caller auction.AccountID) (*big.Int, error)
	Credit(caller, acct auction.AccountID, amount *big.Int) error
}

// NewServer returns a new http server for gaveld commands.
func NewServer(listenAddr string, service Service) (*http.Server, error) {
	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: createMux(service),
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("stopping http server: %s", err)
		}
	}()

	log.Infof("http server started at %s", listenAddr)
	return httpServer, nil
}

func createMux(service Service) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", getOnly(healthHandler(service)))
	mux.HandleFunc("/version", getOnly(versionHandler))
	mux.HandleFunc("/auction", getOnly(auctionHandler(service)))
	// allow both with and without trailing slash
	offers := getOnly(offersHandler(service))
	mux.HandleFunc("/offers", offers)
	mux.HandleFunc("/offers/", offers)
	mux.HandleFunc("/accounts/", getOnly(balanceHandler(service)))
	mux.HandleFunc("/fees", getOnly(feesHandler(service)))
	mux.HandleFunc("/fees/withdraw", postOnly(withdrawFeesHandler(service)))
	mux.HandleFunc("/bid", postOnly(bidHandler(service)))
	mux.HandleFunc("/withdraw-excess", postOnly(withdrawExcessHandler(service)))
	mux.HandleFunc("/withdraw", postOnly(withdrawHandler(service)))
	mux.HandleFunc("/finalize", postOnly(finalizeHandler(service)))
	mux.HandleFunc("/pause", putOnly(pauseHandler(service)))
	mux.HandleFunc("/resume", putOnly(resumeHandler(service)))
	mux.HandleFunc("/admin/refunds", postOnly(refundsHandler(service)))
	mux.HandleFunc("/admin/end", postOnly(emergencyEndHandler(service)))
	mux.HandleFunc("/admin/sweep", postOnly(sweepHandler(service)))
	mux.HandleFunc("/admin/credit", postOnly(creditHandler(service)))
	return mux
}

func getOnly(f http.HandlerFunc) http.HandlerFunc {
	return methodOnly(http.MethodGet, f)
}

func postOnly(f http.HandlerFunc) http.HandlerFunc {
	return methodOnly(http.MethodPost, f)
}

func putOnly(f http.HandlerFunc) http.HandlerFunc {
	return methodOnly(http.MethodPut, f)
}

func methodOnly(method string, f http.HandlerFunc) http.HandlerFunc {
	msg := fmt.Sprintf("only %s method is allowed", method)
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			httpError(w, msg, http.StatusBadRequest)
			return
		}
		f(w, r)
	}
}

// caller extracts the account header, failing the request when absent.
func caller(w http.ResponseWriter, r *http.Request) (auction.AccountID, bool) {
	acct := strings.TrimSpace(r.Header.Get(accountHeader))
	if acct == "" {
		httpError(w, fmt.Sprintf("missing %s header", accountHeader), http.StatusBadRequest)
		return "", false
	}
	return auction.AccountID(acct), true
}

func healthHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := service.HealthCheck(); err != nil {
			httpError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte(buildinfo.Summary()))
}

type auctionResponse struct {
	ID            string `json:"id"`
	Phase         string `json:"phase"`
	Seller        string `json:"seller"`
	StartTime     string `json:"startTime"`
	EndTime       string `json:"endTime"`
	HighestBidder string `json:"highestBidder,omitempty"`
	HighestBid    string `json:"highestBid"`
	OfferCount    int    `json:"offerCount"`
	Paused        bool   `json:"paused"`
	Winner        string `json:"winner,omitempty"`
	WinningAmount string `json:"winningAmount,omitempty"`
}

func auctionHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := service.Auction()
		resp := auctionResponse{
			ID:            st.AuctionID,
			Phase:         st.Phase.String(),
			Seller:        string(st.Seller),
			StartTime:     st.StartTime.Format(timeFormat),
			EndTime:       st.EndTime.Format(timeFormat),
			HighestBidder: string(st.HighestBidder),
			HighestBid:    st.HighestBid.String(),
			OfferCount:    st.OfferCount,
			Paused:        st.Paused,
		}
		if winner, amount, err := service.Winner(); err == nil {
			resp.Winner = string(winner)
			resp.WinningAmount = amount.String()
		}
		writeJSON(w, resp)
	}
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

type offerResponse struct {
	ID         string `json:"id"`
	Index      int    `json:"index"`
	Bidder     string `json:"bidder"`
	Amount     string `json:"amount"`
	ReceivedAt string `json:"receivedAt"`
}

func toOfferResponse(r *offerstore.OfferRecord) offerResponse {
	return offerResponse{
		ID:         string(r.ID),
		Index:      r.Index,
		Bidder:     string(r.Bidder),
		Amount:     r.Amount.String(),
		ReceivedAt: r.ReceivedAt.Format(timeFormat),
	}
}

func offersHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		urlParts := strings.SplitN(r.URL.Path, "/", 3)
		if len(urlParts) == 3 && urlParts[2] != "" {
			index, err := strconv.Atoi(urlParts[2])
			if err != nil {
				httpError(w, fmt.Sprintf("parsing offer index: %s", err), http.StatusBadRequest)
				return
			}
			rec, err := service.GetOfferByIndex(index)
			if errors.Is(err, offerstore.ErrOfferNotFound) {
				httpError(w, err.Error(), http.StatusNotFound)
				return
			} else if err != nil {
				httpError(w, fmt.Sprintf("getting offer: %s", err), http.StatusInternalServerError)
				return
			}
			writeJSON(w, toOfferResponse(rec))
			return
		}

		query := offerstore.Query{Order: offerstore.OrderAscending, Limit: -1}
		if offset := r.URL.Query().Get("offset"); offset != "" {
			query.Offset = offset
		}
		if limit := r.URL.Query().Get("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil {
				httpError(w, fmt.Sprintf("parsing limit: %s", err), http.StatusBadRequest)
				return
			}
			query.Limit = n
		}
		list, err := service.ListOffers(query)
		if err != nil {
			httpError(w, fmt.Sprintf("listing offers: %s", err), http.StatusInternalServerError)
			return
		}
		bidder := r.URL.Query().Get("bidder")
		resp := make([]offerResponse, 0, len(list))
		for _, rec := range list {
			if bidder != "" && string(rec.Bidder) != bidder {
				continue
			}
			resp = append(resp, toOfferResponse(rec))
		}
		writeJSON(w, resp)
	}
}

func balanceHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// /accounts/{id}/balance
		urlParts := strings.Split(r.URL.Path, "/")
		if len(urlParts) != 4 || urlParts[2] == "" || urlParts[3] != "balance" {
			httpError(w, "not found", http.StatusNotFound)
			return
		}
		bal := service.BalanceOf(auction.AccountID(urlParts[2]))
		writeJSON(w, struct {
			Account   string `json:"account"`
			Spendable string `json:"spendable"`
			Escrowed  string `json:"escrowed"`
		}{string(bal.Account), bal.Spendable.String(), bal.Escrowed.String()})
	}
}

func feesHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := caller(w, r)
		if !ok {
			return
		}
		fees, err := service.CollectedFees(acct)
		if err != nil {
			httpServiceError(w, err)
			return
		}
		writeAmount(w, fees)
	}
}

type bidRequest struct {
	Amount string `json:"amount"`
}

func bidHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := caller(w, r)
		if !ok {
			return
		}
		var req bidRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
			return
		}
		amount, err := auction.ParseAmount(req.Amount)
		if err != nil {
			httpError(w, err.Error(), http.StatusBadRequest)
			return
		}
		offer, err := service.PlaceBid(r.Context(), acct, amount)
		if err != nil {
			httpServiceError(w, err)
			return
		}
		writeJSON(w, struct {
			ID     string `json:"id"`
			Index  int    `json:"index"`
			Amount string `json:"amount"`
		}{string(offer.ID), offer.Index, offer.Amount.String()})
	}
}

func withdrawExcessHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := caller(w, r)
		if !ok {
			return
		}
		paid, err := service.WithdrawExcess(r.Context(), acct)
		if err != nil {
			httpServiceError(w, err)
			return
		}
		writeAmount(w, paid)
	}
}

func withdrawHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := caller(w, r)
		if !ok {
			return
		}
		refund, err := service.WithdrawDeposit(r.Context(), acct)
		if err != nil {
			httpServiceError(w, err)
			return
		}
		writeAmount(w, refund)
	}
}

func finalizeHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := service.Finalize(r.Context()); err != nil {
			httpServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func pauseHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := caller(w, r)
		if !ok {
			return
		}
		if err := service.Pause(acct); err != nil {
			httpServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func resumeHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := caller(w, r)
		if !ok {
			return
		}
		if err := service.Resume(acct); err != nil {
			httpServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func refundsHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := caller(w, r)
		if !ok {
			return
		}
		n, err := service.DistributeRefunds(r.Context(), acct)
		if err != nil {
			httpServiceError(w, err)
			return
		}
		writeJSON(w, struct {
			Refunded int `json:"refunded"`
		}{n})
	}
}

func emergencyEndHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := caller(w, r)
		if !ok {
			return
		}
		if err := service.EmergencyEnd(acct); err != nil {
			httpServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func sweepHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := caller(w, r)
		if !ok {
			return
		}
		swept, err := service.EmergencySweep(r.Context(), acct)
		if err != nil {
			httpServiceError(w, err)
			return
		}
		writeAmount(w, swept)
	}
}

func withdrawFeesHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := caller(w, r)
		if !ok {
			return
		}
		fees, err := service.WithdrawFees(r.Context(), acct)
		if err != nil {
			httpServiceError(w, err)
			return
		}
		writeAmount(w, fees)
	}
}

type creditRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

func creditHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := caller(w, r)
		if !ok {
			return
		}
		var req creditRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
			return
		}
		if req.Account == "" {
			httpError(w, "account is empty", http.StatusBadRequest)
			return
		}
		amount, err := auction.ParseAmount(req.Amount)
		if err != nil {
			httpError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := service.Credit(acct, auction.AccountID(req.Account), amount); err != nil {
			httpServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func writeAmount(w http.ResponseWriter, amount *big.Int) {
	writeJSON(w, struct {
		Amount string `json:"amount"`
	}{amount.String()})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		httpError(w, fmt.Sprintf("json encoding: %s", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		log.Errorf("write failed: %v", err)
	}
}

// httpServiceError maps domain errors to http status codes.
func httpServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auction.ErrNotEligible):
		httpError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, auction.ErrOfferNotFound):
		httpError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrWouldExceedBidValueLimit):
		httpError(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, auction.ErrBidTooLow),
		errors.Is(err, auction.ErrZeroValue),
		errors.Is(err, auction.ErrInvalidState),
		errors.Is(err, auction.ErrAlreadyEnded),
		errors.Is(err, auction.ErrNoFunds):
		httpError(w, err.Error(), http.StatusBadRequest)
	default:
		httpError(w, err.Error(), http.StatusInternalServerError)
	}
}

func httpError(w http.ResponseWriter, err string, status int) {
	log.Debugf("request error: %s", err)
	http.Error(w, err, status)
}
