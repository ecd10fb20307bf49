package cart

const (
	AddItemCommandType            = "AddItem"
	AdjustItemQuantityCommandType = "AdjustItemQuantity"
	RemoveItemCommandType         = "RemoveItem"
	CheckoutCommandType           = "Checkout"
	GetCommandType                = "Get"
)

// Command is one of AddItem, AdjustItemQuantity, RemoveItem, Checkout, or Get.
type Command interface {
	CommandType() string

	isCartCommand()
}

type AddItem struct {
	ItemID   ItemIDString
	Quantity int
}

type AdjustItemQuantity struct {
	ItemID   ItemIDString
	Quantity int
}

type RemoveItem struct {
	ItemID ItemIDString
}

type Checkout struct{}

// Get reads the current cart without changing it.
type Get struct{}

func (AddItem) CommandType() string            { return AddItemCommandType }
func (AdjustItemQuantity) CommandType() string { return AdjustItemQuantityCommandType }
func (RemoveItem) CommandType() string         { return RemoveItemCommandType }
func (Checkout) CommandType() string           { return CheckoutCommandType }
func (Get) CommandType() string                { return GetCommandType }

func (AddItem) isCartCommand()            {}
func (AdjustItemQuantity) isCartCommand() {}
func (RemoveItem) isCartCommand()         {}
func (Checkout) isCartCommand()           {}
func (Get) isCartCommand()                {}
