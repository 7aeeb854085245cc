package rpcserver

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	logger "github.com/sirupsen/logrus"

	"github.com/zerobridge-io/zerobridge-go/agreement"
	"github.com/zerobridge-io/zerobridge-go/common"
	"github.com/zerobridge-io/zerobridge-go/liquidity"
	"github.com/zerobridge-io/zerobridge-go/state"
)

const (
	ROUTE_HEALTH                 = "/health"
	ROUTE_STATS                  = "/stats"
	ROUTE_NOTIFY_DEPOSIT         = "/deposits/notify"
	ROUTE_DEPOSIT_STATUS         = "/deposits/:id/status"
	ROUTE_NOTIFY_WITHDRAWAL      = "/withdrawals/notify"
	ROUTE_AUTHORIZED_WITHDRAWALS = "/withdrawals/authorized"
	ROUTE_LIQUIDITY_CHECK        = "/liquidity/check"
)

const Version = "0.3.0"

// the node is treated as synced once verification is effectively done
const syncedProgress = 0.999

// Server is the coordinator's HTTP surface, consumed by relayers. It
// runs concurrently with the engine loop; notify handlers go straight
// through the store's idempotent inserts, no app-level locking.
type Server struct {
	listenAddr string
	st         *state.StateDB
	liq        *liquidity.Manager
	maxBatch   int
}

func NewServer(listenAddr string, st *state.StateDB, liq *liquidity.Manager) *Server {
	return &Server{
		listenAddr: listenAddr,
		st:         st,
		liq:        liq,
		maxBatch:   100,
	}
}

func (s *Server) SetupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET(ROUTE_HEALTH, s.Health)
	router.GET(ROUTE_STATS, s.Stats)
	router.POST(ROUTE_NOTIFY_DEPOSIT, s.NotifyDeposit)
	router.GET(ROUTE_DEPOSIT_STATUS, s.DepositStatus)
	router.POST(ROUTE_NOTIFY_WITHDRAWAL, s.NotifyWithdrawal)
	router.GET(ROUTE_AUTHORIZED_WITHDRAWALS, s.AuthorizedWithdrawals)
	router.POST(ROUTE_LIQUIDITY_CHECK, s.LiquidityCheck)

	return router
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.listenAddr,
		Handler: s.SetupRouter(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", s.listenAddr).Info("coordinator rpc up")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Health(c *gin.Context) {
	synced := false
	if cs, found, err := s.st.GetZcashState(); err == nil && found {
		synced = cs.SyncProgress >= syncedProgress
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": Version,
		"synced":  synced,
	})
}

func (s *Server) Stats(c *gin.Context) {
	stats, err := s.st.GetStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	volume, err := s.st.GetTotalVolume()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_deposits":    stats.TotalDeposits,
		"total_withdrawals": stats.TotalWithdrawals,
		"total_volume":      volume,
		"active_deposits":   stats.TotalDeposits - stats.ProcessedDeposits,
	})
}

// DepositNotification is what a relayer sends after observing a
// TokensLocked event. Binary fields travel as unprefixed hex, amounts
// as decimal strings.
type DepositNotification struct {
	DepositID     string `json:"deposit_id" binding:"required"`
	SourceChainID uint64 `json:"source_chain_id" binding:"required"`
	TargetChainID uint64 `json:"target_chain_id" binding:"required"`
	Sender        string `json:"sender" binding:"required"`
	Recipient     string `json:"recipient" binding:"required"`
	Token         string `json:"token" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	ShieldedAddr  string `json:"shielded_addr" binding:"required"`
}

func (s *Server) NotifyDeposit(c *gin.Context) {
	var req DepositNotification
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive decimal string"})
		return
	}
	recipient := common.HexStrToByteSlice(req.Recipient)
	shieldedAddr := common.HexStrToByteSlice(req.ShieldedAddr)
	if len(recipient) != 32 || len(shieldedAddr) != 32 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "recipient and shielded_addr must be 32-byte hex"})
		return
	}

	inserted, err := s.st.InsertDeposit(&agreement.Deposit{
		DepositID:     req.DepositID,
		SourceChainID: req.SourceChainID,
		TargetChainID: req.TargetChainID,
		Sender:        req.Sender,
		Recipient:     recipient,
		Token:         req.Token,
		Amount:        amount,
		ShieldedAddr:  shieldedAddr,
		CreatedAt:     time.Now().Unix(),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !inserted {
		logger.WithField("deposit", req.DepositID).Debug("duplicate deposit notification")
	}
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

func (s *Server) DepositStatus(c *gin.Context) {
	d, found, err := s.st.GetDeposit(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown deposit"})
		return
	}

	resp := gin.H{
		"deposit_id": d.DepositID,
		"processed":  d.Processed,
	}
	if d.Processed {
		resp["settlement_txid"] = d.SettlementTxid
		resp["note_commitment"] = d.NoteCommitment
	}
	c.JSON(http.StatusOK, resp)
}

type WithdrawalNotification struct {
	WithdrawalID  string `json:"withdrawal_id" binding:"required"`
	TargetChainID uint64 `json:"target_chain_id" binding:"required"`
	Recipient     string `json:"recipient" binding:"required"`
	Token         string `json:"token" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	Nullifier     string `json:"nullifier" binding:"required"`
	Proof         string `json:"proof" binding:"required"`
	MerkleRoot    string `json:"merkle_root" binding:"required"`
}

func (s *Server) NotifyWithdrawal(c *gin.Context) {
	var req WithdrawalNotification
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive decimal string"})
		return
	}
	nullifier := common.HexStrToByteSlice(req.Nullifier)
	merkleRoot := common.HexStrToByteSlice(req.MerkleRoot)
	if len(nullifier) != 32 || len(merkleRoot) != 32 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nullifier and merkle_root must be 32-byte hex"})
		return
	}
	proof := common.HexStrToByteSlice(req.Proof)
	if len(proof) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "proof must be non-empty hex"})
		return
	}

	inserted, err := s.st.InsertWithdrawal(&agreement.Withdrawal{
		WithdrawalID:  req.WithdrawalID,
		TargetChainID: req.TargetChainID,
		Recipient:     req.Recipient,
		Token:         req.Token,
		Amount:        amount,
		Nullifier:     nullifier,
		Proof:         proof,
		MerkleRoot:    merkleRoot,
		CreatedAt:     time.Now().Unix(),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !inserted {
		logger.WithField("withdrawal", req.WithdrawalID).Debug("duplicate withdrawal notification")
	}
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

func (s *Server) AuthorizedWithdrawals(c *gin.Context) {
	rows, err := s.st.GetAuthorizedWithdrawals(s.maxBatch)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]*agreement.AuthorizedWithdrawal, 0, len(rows))
	for _, w := range rows {
		// only signature-bearing records leave the coordinator
		if len(w.AuthSignature) == 0 {
			continue
		}
		out = append(out, &agreement.AuthorizedWithdrawal{
			WithdrawalID:  w.WithdrawalID,
			TargetChainID: w.TargetChainID,
			Recipient:     w.Recipient,
			Token:         w.Token,
			Amount:        w.Amount,
			Nullifier:     w.Nullifier,
			AuthSignature: w.AuthSignature,
		})
	}
	c.JSON(http.StatusOK, out)
}

type LiquidityCheckRequest struct {
	ChainID uint64 `json:"chain_id" binding:"required"`
	Token   string `json:"token" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

func (s *Server) LiquidityCheck(c *gin.Context) {
	var req LiquidityCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive decimal string"})
		return
	}

	pool, found := s.liq.Pool(req.ChainID, req.Token)
	if !found {
		c.JSON(http.StatusOK, gin.H{"available": false, "current_liquidity": "0"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"available":         pool.Available.Cmp(amount) >= 0,
		"current_liquidity": pool.Available.String(),
	})
}
