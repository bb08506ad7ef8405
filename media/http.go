package media

import (
	"context"
	"errors"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const NEGOTIATION_TIMEOUT = 10 * time.Second
const MAX_OFFER_SIZE = 64 << 10

// OfferHandler serves POST /offer: {"sdp": ..., "type": "offer"} in, the
// answer in the same shape out.
func OfferHandler(n *Negotiator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var offer webrtc.SessionDescription
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MAX_OFFER_SIZE)).Decode(&offer); err != nil {
			http.Error(w, "malformed offer", http.StatusBadRequest)
			return
		}
		if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
			http.Error(w, "expected an sdp offer", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), NEGOTIATION_TIMEOUT)
		defer cancel()
		answer, err := n.Negotiate(ctx, offer)
		if err != nil {
			n.logger.Warn("Negotiation failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			status := http.StatusInternalServerError
			if errors.Is(err, ErrClosed) {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(answer)
	}
}
