package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aaronwang/auction-core/internal/models"
	"github.com/shopspring/decimal"
)

// Hash field names of auction:{id}
const (
	fieldID                = "id"
	fieldSellerID          = "seller_id"
	fieldTitle             = "title"
	fieldDescription       = "description"
	fieldMediaURLs         = "media_urls"
	fieldStartingPrice     = "starting_price"
	fieldCurrentBid        = "current_bid"
	fieldHighestBidderID   = "highest_bidder_id"
	fieldHighestBidderName = "highest_bidder_name"
	fieldStartTime         = "start_time"
	fieldEndTime           = "end_time"
	fieldDurationClass     = "duration_class"
	fieldStatus            = "status"
	fieldCreatedAt         = "created_at"
	fieldUpdatedAt         = "updated_at"
	fieldWinnerID          = "winner_id"
	fieldFinalPrice        = "final_price"
	fieldPaymentState      = "payment_state"
	fieldTransactionRef    = "transaction_ref"
	fieldRevision          = "revision"
)

func auctionKey(id string) string  { return "auction:" + id }
func bidsKey(id string) string     { return "auction:" + id + ":bids" }
func biddersKey(id string) string  { return "auction:" + id + ":bidders" }
func watchersKey(id string) string { return "auction:" + id + ":watchers" }

// startIndexKey orders every auction id by start time
const startIndexKey = "auctions:by_start"

// ChangePattern matches every per-auction change channel
const ChangePattern = "auction_changes:*"

const changePrefix = "auction_changes:"

func changeChannel(id string) string { return changePrefix + id }

// Change is the payload published on auction_changes:{id} after a commit
type Change struct {
	AuctionID string          `json:"auction_id"`
	Deleted   bool            `json:"deleted,omitempty"`
	Record    json.RawMessage `json:"record,omitempty"`
}

// DecodeChange parses a change payload and its embedded auction record.
// Deleted changes carry no record.
func DecodeChange(payload []byte) (*Change, *models.Auction, error) {
	var c Change
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, nil, fmt.Errorf("%w: change envelope: %v", models.ErrRecordDecodeFailed, err)
	}
	if c.AuctionID == "" {
		return nil, nil, fmt.Errorf("%w: change without auction id", models.ErrRecordDecodeFailed)
	}
	if c.Deleted {
		return &c, nil, nil
	}

	var a models.Auction
	if err := json.Unmarshal(c.Record, &a); err != nil {
		return nil, nil, fmt.Errorf("%w: auction %s: %v", models.ErrRecordDecodeFailed, c.AuctionID, err)
	}
	if err := checkRecord(&a); err != nil {
		return nil, nil, err
	}
	return &c, &a, nil
}

func checkRecord(a *models.Auction) error {
	if a.ID == "" {
		return fmt.Errorf("%w: missing id", models.ErrRecordDecodeFailed)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("%w: auction %s: unknown status %q", models.ErrRecordDecodeFailed, a.ID, a.Status)
	}
	if !a.EndTime.After(a.StartTime) {
		return fmt.Errorf("%w: auction %s: end time not after start time", models.ErrRecordDecodeFailed, a.ID)
	}
	return nil
}

func millis(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// encodeFields flattens the scalar fields of a into hash values.
// Bid history and watch-list live in their own keys.
func encodeFields(a *models.Auction) (map[string]interface{}, error) {
	media, err := json.Marshal(a.MediaURLs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode media urls: %w", err)
	}

	finalPrice := ""
	if a.FinalPrice.Valid {
		finalPrice = a.FinalPrice.Decimal.String()
	}

	return map[string]interface{}{
		fieldID:                a.ID,
		fieldSellerID:          a.SellerID,
		fieldTitle:             a.Title,
		fieldDescription:       a.Description,
		fieldMediaURLs:         string(media),
		fieldStartingPrice:     a.StartingPrice.String(),
		fieldCurrentBid:        a.CurrentBid.String(),
		fieldHighestBidderID:   a.HighestBidderID,
		fieldHighestBidderName: a.HighestBidderName,
		fieldStartTime:         millis(a.StartTime),
		fieldEndTime:           millis(a.EndTime),
		fieldDurationClass:     string(a.DurationClass),
		fieldStatus:            string(a.Status),
		fieldCreatedAt:         millis(a.CreatedAt),
		fieldUpdatedAt:         millis(a.UpdatedAt),
		fieldWinnerID:          a.WinnerID,
		fieldFinalPrice:        finalPrice,
		fieldPaymentState:      string(a.PaymentState),
		fieldTransactionRef:    a.TransactionRef,
		fieldRevision:          strconv.FormatInt(a.Revision, 10),
	}, nil
}

// fieldDecoder collects the first parse failure so decodeAuction reads flat
type fieldDecoder struct {
	fields map[string]string
	err    error
}

func (d *fieldDecoder) parseDecimal(name string) decimal.Decimal {
	v := d.fields[name]
	if v == "" {
		return decimal.Zero
	}
	n, err := decimal.NewFromString(v)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("field %s: %w", name, err)
	}
	return n
}

func (d *fieldDecoder) parseTime(name string) time.Time {
	v := d.fields[name]
	if v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		if d.err == nil {
			d.err = fmt.Errorf("field %s: %w", name, err)
		}
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (d *fieldDecoder) parseInt(name string) int64 {
	v := d.fields[name]
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("field %s: %w", name, err)
	}
	return n
}

func decodeAuction(fields map[string]string, bids, watchers []string) (*models.Auction, error) {
	d := &fieldDecoder{fields: fields}

	a := &models.Auction{
		ID:                fields[fieldID],
		SellerID:          fields[fieldSellerID],
		Title:             fields[fieldTitle],
		Description:       fields[fieldDescription],
		StartingPrice:     d.parseDecimal(fieldStartingPrice),
		CurrentBid:        d.parseDecimal(fieldCurrentBid),
		HighestBidderID:   fields[fieldHighestBidderID],
		HighestBidderName: fields[fieldHighestBidderName],
		StartTime:         d.parseTime(fieldStartTime),
		EndTime:           d.parseTime(fieldEndTime),
		DurationClass:     models.DurationClass(fields[fieldDurationClass]),
		Status:            models.Status(fields[fieldStatus]),
		CreatedAt:         d.parseTime(fieldCreatedAt),
		UpdatedAt:         d.parseTime(fieldUpdatedAt),
		WinnerID:          fields[fieldWinnerID],
		PaymentState:      models.PaymentState(fields[fieldPaymentState]),
		TransactionRef:    fields[fieldTransactionRef],
		Revision:          d.parseInt(fieldRevision),
		Bids:              make([]models.Bid, 0, len(bids)),
		Watchers:          watchers,
	}
	if v := fields[fieldFinalPrice]; v != "" {
		a.FinalPrice = decimal.NewNullDecimal(d.parseDecimal(fieldFinalPrice))
	}
	if v := fields[fieldMediaURLs]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &a.MediaURLs); err != nil && d.err == nil {
			d.err = fmt.Errorf("field %s: %w", fieldMediaURLs, err)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("%w: auction %s: %v", models.ErrRecordDecodeFailed, a.ID, d.err)
	}

	for i, raw := range bids {
		var b models.Bid
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, fmt.Errorf("%w: auction %s: bid %d: %v", models.ErrRecordDecodeFailed, a.ID, i, err)
		}
		a.Bids = append(a.Bids, b)
	}

	if err := checkRecord(a); err != nil {
		return nil, err
	}
	return a, nil
}
