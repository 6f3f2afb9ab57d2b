package game

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"
)

const (
	// ClientSeed is the hash of bitcoin block 339300, fixed before the
	// first game hash was published.
	ClientSeed = "000000000000000007a9a31ff7f07463d91af6b5454241d5faf282e5e0fe1b3a"

	// GenesisRoundID and GenesisHash are the resume point when no round
	// has been played yet. GenesisHash is the last link of the chain.
	GenesisRoundID = 1_000_000 - 1
	GenesisHash    = "c1cfa8e28fc38999eaa888487e443bad50a65e0b710f649affa6718cfbfada4d"

	instantCrashModulus = 101
	significantBits     = 52
)

var instantCrashMod = big.NewInt(instantCrashModulus)

// NextHash advances the chain one link: SHA256 of the previous seed.
// Anyone holding a later seed can rebuild every earlier one, but not the
// other way round.
func NextHash(prev string) string {
	sum := sha256.Sum256([]byte(prev))
	return hex.EncodeToString(sum[:])
}

// CrashPointFromSeed derives the crash point (in hundredths) of a round
// from its revealed seed. 0 means the round crashes instantly.
func CrashPointFromSeed(seed string) int64 {
	mac := hmac.New(sha256.New, []byte(seed))
	mac.Write([]byte(ClientSeed))
	digest := hex.EncodeToString(mac.Sum(nil))

	// 1 in 101 rounds crash instantly.
	n, _ := new(big.Int).SetString(digest, 16)
	if new(big.Int).Mod(n, instantCrashMod).Sign() == 0 {
		return 0
	}

	h, _ := strconv.ParseUint(digest[:significantBits/4], 16, 64)
	e := math.Pow(2, significantBits)
	hf := float64(h)

	return int64(math.Floor((100*e - hf) / (e - hf)))
}

// GenerateChain hashes seed forward n times. The first element is the
// first hash produced, which is consumed by the LAST round.
func GenerateChain(seed string, n int) []string {
	chain := make([]string, 0, n)
	cur := seed
	for i := 0; i < n; i++ {
		cur = NextHash(cur)
		chain = append(chain, cur)
	}
	return chain
}

// VerifyChain reports whether earlier is reachable from later by at most
// maxSteps forward hashes, i.e. whether later's round was committed after
// earlier's.
func VerifyChain(later, earlier string, maxSteps int) (int, bool) {
	cur := later
	for i := 1; i <= maxSteps; i++ {
		cur = NextHash(cur)
		if cur == earlier {
			return i, true
		}
	}
	return 0, false
}

// VerifyRound allows players to check a revealed seed against the crash
// point the server announced.
func VerifyRound(seed string, claimedCrashPoint int64) bool {
	return CrashPointFromSeed(seed) == claimedCrashPoint
}

var seedSource io.Reader = rand.Reader

// GenerateSeed creates a cryptographically secure random seed
func GenerateSeed() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(seedSource, b); err != nil {
		return "", fmt.Errorf("failed to read random seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}
