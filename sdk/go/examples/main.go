package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"chimera/internal/auditloop"
	"chimera/internal/intent"
	"chimera/sdk/go/chimera"
)

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:8080", "Chimera API base URL")
	to := flag.String("to", "0x000000000000000000000000000000000000dEaD", "transfer recipient")
	amount := flag.String("amount", "0.001", "amount of native currency to transfer")
	prompt := flag.String("prompt", "", "optional contract prompt to run through the audit loop")
	maxPayment := flag.Int64("max-payment", 1_000_000, "largest x402 payment to approve, in token base units")
	flag.Parse()

	hexKey := strings.TrimPrefix(os.Getenv("CHIMERA_USER_KEY"), "0x")
	if hexKey == "" {
		log.Fatal("CHIMERA_USER_KEY must hold the user's private key")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		log.Fatalf("invalid user key: %v", err)
	}

	client, err := chimera.NewClient(*baseURL, nil,
		chimera.WithSigner(key),
		chimera.WithPaymentKey(key, big.NewInt(*maxPayment)),
	)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	quota, err := client.Quota(ctx, "")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("remaining: %d tx this minute, %s wei today\n", quota.RemainingTx.PerMinute, quota.RemainingSpend.PerDay)

	data, _ := json.Marshal(map[string]string{"to": *to, "amount": *amount})
	transfer := intent.Intent{
		Type:     intent.TypeTransfer,
		Nonce:    uint64(time.Now().UnixNano()),
		Deadline: time.Now().Add(10 * time.Minute).Unix(),
		Data:     data,
	}
	if estimate, err := client.EstimateGas(ctx, transfer); err == nil {
		fmt.Printf("estimated cost %s (gas %d)\n", estimate.EstimatedCost, estimate.GasLimit)
	}
	result, err := client.ExecuteIntent(ctx, transfer)
	if err != nil {
		log.Fatalf("execute transfer: %v", err)
	}
	fmt.Printf("transfer mined in block %d: %s\n", result.BlockNumber, result.TxHash)

	if *prompt == "" {
		return
	}
	for event, err := range client.Generate(ctx, chimera.GenerateRequest{Prompt: *prompt}) {
		if err != nil {
			log.Fatalf("generate: %v", err)
		}
		switch event.Type {
		case auditloop.EventAuditResult, auditloop.EventRetry:
			fmt.Printf("attempt %d/%d: %s %v\n", event.Attempt, event.MaxAttempts, event.Type, event.Issues)
		case auditloop.EventSuccess, auditloop.EventFailed:
			fmt.Printf("%s after %d attempts, score %.0f\n", event.Type, event.Attempt, event.Result.Score)
		}
	}
}
