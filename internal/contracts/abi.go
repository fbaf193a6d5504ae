package contracts

// FactoryABI covers the PaymentSplitterFactory entry points driven by the smoke run.
const FactoryABI = `[
  {"type":"constructor","inputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"newSplitter","stateMutability":"payable",
   "inputs":[{"name":"payees","type":"address[]"},{"name":"shares_","type":"uint256[]"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"releaseAll","stateMutability":"nonpayable",
   "inputs":[{"name":"splitter","type":"address"}],"outputs":[]},
  {"type":"function","name":"releaseAllTokens","stateMutability":"nonpayable",
   "inputs":[{"name":"token","type":"address"},{"name":"splitter","type":"address"}],"outputs":[]}
]`

// SplitterABI is the read surface of PaymentSplitterCloneable plus its receive hook.
const SplitterABI = `[
  {"type":"receive","stateMutability":"payable"},
  {"type":"function","name":"totalShares","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"totalReleased","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"shares","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"released","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// TokenABI is the mock ERC20Token used for the token payout path.
const TokenABI = `[
  {"type":"constructor","inputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"mint","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// Contract names as produced by the brownie build.
const (
	FactoryName  = "PaymentSplitterFactory"
	SplitterName = "PaymentSplitterCloneable"
	TokenName    = "ERC20Token"
)
