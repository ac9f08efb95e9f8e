package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/applypilot/creditgate/internal/domain"
)

func testSubscription(subID, customer string, status domain.SubscriptionStatus) domain.Subscription {
	now := time.Now()
	return domain.Subscription{
		UserID:                 "u1",
		ExternalCustomerID:     customer,
		ExternalSubscriptionID: subID,
		Status:                 status,
		CurrentPeriodEnd:       now.Add(30 * 24 * time.Hour),
		LastEventAt:            now,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

func TestInsertSubscription_Outcomes(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	res, err := db.InsertSubscription(ctx, testSubscription("sub_1", "cus_1", domain.SubActive))
	if err != nil || res != domain.SubscriptionInserted {
		t.Fatalf("first insert = %v, %v", res, err)
	}

	res, _ = db.InsertSubscription(ctx, testSubscription("sub_1", "cus_1", domain.SubActive))
	if res != domain.SubscriptionReplayed {
		t.Errorf("same subscription id = %v, want replayed", res)
	}

	res, _ = db.InsertSubscription(ctx, testSubscription("sub_2", "cus_1", domain.SubTrialing))
	if res != domain.SubscriptionDuplicate {
		t.Errorf("second live subscription = %v, want duplicate", res)
	}

	if n, _ := db.CountLiveSubscriptions(ctx, "cus_1"); n != 1 {
		t.Errorf("live subscriptions = %d, want 1", n)
	}
}

func TestInsertSubscription_AfterCancelAllowed(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	db.InsertSubscription(ctx, testSubscription("sub_1", "cus_1", domain.SubCanceled))
	res, err := db.InsertSubscription(ctx, testSubscription("sub_2", "cus_1", domain.SubActive))
	if err != nil || res != domain.SubscriptionInserted {
		t.Errorf("insert after cancel = %v, %v; want inserted", res, err)
	}
}

func TestPatchSubscription(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	sub := testSubscription("sub_1", "cus_1", domain.SubActive)
	db.InsertSubscription(ctx, sub)

	later := sub.LastEventAt.Add(time.Minute)
	res, err := db.PatchSubscription(ctx, domain.SubscriptionPatch{
		ExternalSubscriptionID: "sub_1", Status: domain.SubPastDue, CancelAtPeriodEnd: true, EventAt: later,
	}, time.Now())
	if err != nil || res != domain.PatchApplied {
		t.Fatalf("patch = %v, %v", res, err)
	}

	got, _ := db.SubscriptionByExternalID(ctx, "sub_1")
	if got.Status != domain.SubPastDue || !got.CancelAtPeriodEnd {
		t.Errorf("subscription = %+v", got)
	}
	if !got.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd.Truncate(time.Millisecond)) {
		t.Error("zero period end in patch must keep stored value")
	}

	// Older event arrives late
	res, _ = db.PatchSubscription(ctx, domain.SubscriptionPatch{
		ExternalSubscriptionID: "sub_1", Status: domain.SubActive, EventAt: sub.LastEventAt,
	}, time.Now())
	if res != domain.PatchStale {
		t.Errorf("out-of-order patch = %v, want stale", res)
	}

	res, _ = db.PatchSubscription(ctx, domain.SubscriptionPatch{
		ExternalSubscriptionID: "sub_404", Status: domain.SubCanceled, EventAt: later,
	}, time.Now())
	if res != domain.PatchUnknown {
		t.Errorf("unknown subscription = %v, want unknown", res)
	}
}

func TestPatchSubscription_ReactivationConflict(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.InsertSubscription(ctx, testSubscription("sub_old", "cus_1", domain.SubCanceled))
	db.InsertSubscription(ctx, testSubscription("sub_new", "cus_1", domain.SubActive))

	_, err := db.PatchSubscription(ctx, domain.SubscriptionPatch{
		ExternalSubscriptionID: "sub_old", Status: domain.SubActive, EventAt: time.Now().Add(time.Minute),
	}, time.Now())
	if !errors.Is(err, domain.ErrDuplicateSubscription) {
		t.Errorf("reactivating second live subscription error = %v, want ErrDuplicateSubscription", err)
	}
}

func TestUserForCustomer(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if u, _ := db.UserForCustomer(ctx, "cus_x"); u != "" {
		t.Errorf("unknown customer user = %q", u)
	}
	db.InsertSubscription(ctx, testSubscription("sub_1", "cus_1", domain.SubActive))
	if u, _ := db.UserForCustomer(ctx, "cus_1"); u != "u1" {
		t.Errorf("UserForCustomer = %q, want u1", u)
	}
	live, _ := db.LiveSubscriptionForCustomer(ctx, "cus_1")
	if live == nil || live.ExternalSubscriptionID != "sub_1" {
		t.Errorf("live subscription = %+v", live)
	}
}
