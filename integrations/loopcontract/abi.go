package loopcontract

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const loopABIJSON = `[
  {"type":"function","name":"getLoopDetails","stateMutability":"view","inputs":[],
   "outputs":[{"name":"token","type":"address"},{"name":"periodLength","type":"uint256"},
              {"name":"percentPerPeriod","type":"uint256"},{"name":"firstPeriodStart","type":"uint256"}]},
  {"type":"function","name":"getCurrentPeriod","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getCurrentPeriodData","stateMutability":"view","inputs":[],
   "outputs":[{"name":"registrations","type":"uint256"},{"name":"maxPayout","type":"uint256"}]},
  {"type":"function","name":"getClaimerStatus","stateMutability":"view",
   "inputs":[{"name":"claimer","type":"address"}],
   "outputs":[{"name":"registeredPeriod","type":"uint256"},{"name":"lastClaimPeriod","type":"uint256"}]},
  {"type":"function","name":"getPeriodIndividualPayout","stateMutability":"view",
   "inputs":[{"name":"period","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"claimAndRegister","stateMutability":"nonpayable",
   "inputs":[{"name":"signature","type":"bytes"}],"outputs":[]},
  {"type":"event","name":"Register","anonymous":false,
   "inputs":[{"name":"sender","type":"address","indexed":true},
             {"name":"periodNumber","type":"uint256","indexed":true}]}
]`

const (
	methodLoopDetails       = "getLoopDetails"
	methodCurrentPeriod     = "getCurrentPeriod"
	methodCurrentPeriodData = "getCurrentPeriodData"
	methodClaimerStatus     = "getClaimerStatus"
	methodIndividualPayout  = "getPeriodIndividualPayout"
	methodClaimAndRegister  = "claimAndRegister"
	eventRegister           = "Register"
)

// LoopABI is the parsed distribution contract interface.
var LoopABI = mustParseABI(loopABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
