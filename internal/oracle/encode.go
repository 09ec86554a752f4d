package oracle

import (
	"bytes"
	"errors"
	"math/big"

	"github.com/vmihailenco/msgpack/v5"
)

// Update is one signed price observation. Nonce is the signing time in unix
// milliseconds and must increase per asset; the feed drops replays.
type Update struct {
	Asset string
	Price *big.Int
	Nonce uint64
}

// EncodeUpdate produces the canonical byte encoding an update is signed
// over. Fields are msgpack-encoded in fixed order so every party hashes the
// same bytes.
func EncodeUpdate(update Update) ([]byte, error) {
	if update.Asset == "" {
		return nil, errors.New("update asset is required")
	}
	if update.Price == nil {
		return nil, errors.New("update price is required")
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(3); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("asset"); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(update.Asset); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("price"); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(update.Price.String()); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("nonce"); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint64(update.Nonce); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
