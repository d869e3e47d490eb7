// package shopkeeper keeps a local copy of the billing state held in Stripe,
// the customers and subscriptions of a SaaS application, in sync with Stripe
// via the webhook events it emits. Checkout and the billing portal are hosted
// by Stripe, so the application never handles payment details itself, and
// questions such as "is this user subscribed?" are answered from the local
// copy without calling out to Stripe.
//
// shopkeeper.Synchronizer is what applies the webhook events to the local
// copy. Each event is verified against the signing secret of the webhook
// endpoint, applied at most once, and never allowed to overwrite state from
// a newer event. Events may be delivered more than once, out of order, and
// concurrently, and the local copy will still converge on what Stripe holds.
//
//	cfg := shopkeeper.Config{
//		SecretKey:     os.Getenv("STRIPE_SECRET"),
//		WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
//	}
//
//	store := shopkeeper.PSQL{DB: db}
//
//	sync := shopkeeper.NewSynchronizer(cfg, store, log, nil)
//
//	sync.Listen("checkout.session.completed", func(ctx context.Context, ev shopkeeper.Event) {
//		fulfillOrder(ev.Metadata["order_id"])
//	})
//
//	hook := shopkeeper.NewHookHandler(sync, log)
//
//	mux := http.NewServeMux()
//	mux.Handle("/stripe/webhook", hook)
//
// the listener above is only called once the event has been committed to the
// store, and is never called for a duplicate or stale event.
//
// shopkeeper.Billing is what the application uses to send its users to
// checkout, or to the billing portal. Each call takes the billable reference,
// the application's own identifier for who pays, such as a user or team ID.
//
//	billing := shopkeeper.New(cfg, store)
//
//	sess, err := billing.NewSubscription(ctx, "team_123", "default", map[string]int64{
//		"price_123456": 1,
//	}, shopkeeper.CheckoutOptions{
//		SuccessURL: "https://example.com/billing/done",
//		CancelURL:  "https://example.com/billing",
//		TrialDays:  14,
//	})
//
//	if err != nil {
//		// Handle error.
//	}
//
//	http.Redirect(w, r, sess.URL, http.StatusSeeOther)
//
// the customer for "team_123" is created in Stripe if it does not exist. The
// subscription itself is only stored once Stripe sends the respective events,
// after which,
//
//	ok, err := billing.Subscribed(ctx, "team_123", shopkeeper.ToPrice("price_123456"))
//
// would report true.
//
// shopkeeper.Store is an interface that allows for storing the customers and
// subscriptions received from Stripe. An implementation of this interface for
// PostgreSQL comes with this library out of the box.
//
// shopkeeper.Params allows for specifying the request parameters to set in the
// body of the request sent to Stripe. This is encoded to x-www-url-formencoded,
// when sent in a request, for example,
//
//	shopkeeper.Params{
//		"subscription_data": shopkeeper.Params{
//			"trial_period_days": 14,
//		},
//	}
//
// would be encoded to,
//
//	subscription_data[trial_period_days]=14
//
// shopkeeper.Client is a thin HTTP client for the Stripe API, and can be used
// directly for calls this library does not make itself,
//
//	resp, err := client.Get(ctx, "/v1/invoices?customer=cus_123456")
package shopkeeper
