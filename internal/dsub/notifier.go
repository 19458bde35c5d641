package dsub

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SubscriptionNotifier delivers a document notification to one subscriber.
type SubscriptionNotifier interface {
	Notify(ctx context.Context, sub *Subscription, docID string) error
}

// HTTPNotifier posts a WS-BaseNotification Notify message to the
// subscriber's consumer endpoint.
type HTTPNotifier struct {
	httpClient *http.Client
	log        *zap.Logger
}

// NewHTTPNotifier creates a notifier.
func NewHTTPNotifier(timeout time.Duration, log *zap.Logger) *HTTPNotifier {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPNotifier{
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// Notify implements SubscriptionNotifier.
func (n *HTTPNotifier) Notify(ctx context.Context, sub *Subscription, docID string) error {
	body := buildNotifyMessage(docID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/soap+xml; charset=UTF-8")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("subscriber answered %d", resp.StatusCode)
	}

	n.log.Info("subscriber notified",
		zap.String("url", sub.URL), zap.String("docId", docID))
	return nil
}

func buildNotifyMessage(docID string) string {
	return fmt.Sprintf(`<soapenv:Envelope xmlns:soapenv="http://www.w3.org/2003/05/soap-envelope"><soapenv:Body><wsnt:Notify xmlns:wsnt="http://docs.oasis-open.org/wsn/b-2"><wsnt:NotificationMessage><wsnt:Message><DocumentRegistered documentUniqueId=%q/></wsnt:Message></wsnt:NotificationMessage></wsnt:Notify></soapenv:Body></soapenv:Envelope>`, docID)
}
