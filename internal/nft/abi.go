package nft

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/smartdevs17/mememorph/pkg/utils"
)

// Method and event names the reconciler looks up on a handle.
const (
	MethodBalanceOf           = "balanceOf"
	MethodOwnerOf             = "ownerOf"
	MethodTokenURI            = "tokenURI"
	MethodCreators            = "creators"
	MethodTokenOfOwnerByIndex = "tokenOfOwnerByIndex"
	MethodClaimable           = "claimable"
	EventTransfer             = "Transfer"
)

// TransferSignature is the canonical ERC-721 Transfer event signature.
const TransferSignature = "Transfer(address,address,uint256)"

// MemeMorphNFTABI covers the read surface of the MemeMorphNFT contract.
// It has no tokenOfOwnerByIndex, so collections are built from Transfer logs.
const MemeMorphNFTABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"ownerOf","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"tokenURI","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"creators","stateMutability":"view",
   "inputs":[{"name":"","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"claimable","stateMutability":"view",
   "inputs":[{"name":"","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"Transfer","anonymous":false,
   "inputs":[{"name":"from","type":"address","indexed":true},
             {"name":"to","type":"address","indexed":true},
             {"name":"tokenId","type":"uint256","indexed":true}]}
]`

// ERC721EnumerableABI is the read surface of an OpenZeppelin
// ERC721Enumerable token. Used by tests and for contracts without a
// configured ABI file that expose index enumeration.
const ERC721EnumerableABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"ownerOf","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"tokenURI","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"tokenOfOwnerByIndex","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"index","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"Transfer","anonymous":false,
   "inputs":[{"name":"from","type":"address","indexed":true},
             {"name":"to","type":"address","indexed":true},
             {"name":"tokenId","type":"uint256","indexed":true}]}
]`

// ParseABI parses an ABI JSON document
func ParseABI(definition string) (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		return abi.ABI{}, utils.NewAppError(utils.ErrCodeValidation, "Invalid contract ABI", err.Error())
	}
	return parsed, nil
}

// LoadABI reads an ABI from path, falling back to the built-in MemeMorphNFT
// ABI when path is empty. Truffle artifacts are accepted as well as bare ABIs.
func LoadABI(path string) (abi.ABI, error) {
	if path == "" {
		return ParseABI(MemeMorphNFTABI)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, utils.NewAppError(utils.ErrCodeConfiguration, "Failed to read ABI file", err.Error())
	}

	definition, err := extractABI(raw)
	if err != nil {
		return abi.ABI{}, err
	}
	return ParseABI(definition)
}

// extractABI returns the "abi" member of a build artifact, or the document
// itself when it is already an ABI array.
func extractABI(raw []byte) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		return trimmed, nil
	}

	var artifact struct {
		ABI json.RawMessage `json:"abi"`
	}
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return "", utils.NewAppError(utils.ErrCodeValidation, "Invalid ABI file", err.Error())
	}
	if len(artifact.ABI) == 0 {
		return "", utils.NewAppError(utils.ErrCodeValidation, "Invalid ABI file", "no abi member found")
	}
	return string(artifact.ABI), nil
}
