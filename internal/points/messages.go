package points

import (
	"encoding/json"
	"strings"

	"github.com/witnz/topicrelay/internal/ledger"
)

const protocol = "hcs-20"

type deployMessage struct {
	P    string `json:"p"`
	Op   string `json:"op"`
	Name string `json:"name"`
	Tick string `json:"tick"`
	Max  string `json:"max"`
	Lim  string `json:"lim,omitempty"`
	M    string `json:"m,omitempty"`
}

type mintMessage struct {
	P    string `json:"p"`
	Op   string `json:"op"`
	Tick string `json:"tick"`
	Amt  string `json:"amt"`
	To   string `json:"to"`
	M    string `json:"m,omitempty"`
}

type transferMessage struct {
	P    string `json:"p"`
	Op   string `json:"op"`
	Tick string `json:"tick"`
	Amt  string `json:"amt"`
	From string `json:"from"`
	To   string `json:"to"`
	M    string `json:"m,omitempty"`
}

func normalizeTick(tick string) string {
	return strings.ToLower(strings.TrimSpace(tick))
}

func encodeDeploy(def Definition) ([]byte, error) {
	return json.Marshal(deployMessage{
		P:    protocol,
		Op:   "deploy",
		Name: def.Name,
		Tick: normalizeTick(def.Tick),
		Max:  def.MaxSupply.String(),
		Lim:  def.LimitPerMint.String(),
		M:    def.Name + " deployment",
	})
}

func encodeMint(tick, amount string, to ledger.AccountID, memo string) ([]byte, error) {
	return json.Marshal(mintMessage{
		P:    protocol,
		Op:   "mint",
		Tick: normalizeTick(tick),
		Amt:  amount,
		To:   string(to),
		M:    memo,
	})
}

func encodeTransfer(tick, amount string, from, to ledger.AccountID, memo string) ([]byte, error) {
	return json.Marshal(transferMessage{
		P:    protocol,
		Op:   "transfer",
		Tick: normalizeTick(tick),
		Amt:  amount,
		From: string(from),
		To:   string(to),
		M:    memo,
	})
}
