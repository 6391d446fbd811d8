package event

// Aggregate types published by the domain services.
const (
	AggregateComplaint = "complaint"
	AggregateCustomer  = "customer"
	AggregateOrder     = "order"
	AggregateStock     = "stock"
	AggregateSale      = "sale"
	AggregateRefund    = "refund"
	AggregateSaga      = "saga"
)

// Event types exchanged over the bus. The complaint workflow events drive the
// choreographed saga; the stock/sale/refund events are emitted by the CRUD
// services and consumed for audit and read models.
const (
	ComplaintCreated    = "complaint-created"
	ComplaintClosed     = "complaint-closed"
	CustomerValidated   = "customer-validated"
	CustomerRejected    = "customer-rejected"
	OrderVerified       = "order-verified"
	OrderRejected       = "order-rejected"
	ResolutionProcessed = "resolution-processed"
	ResolutionFailed    = "resolution-failed"

	StockReserved   = "stock-reserved"
	StockReleased   = "stock-released"
	SaleCreated     = "sale-created"
	RefundCompleted = "refund-completed"

	// SagaStuck is an operator alert, not a workflow event.
	SagaStuck = "saga-stuck"
)
