package manager

import (
	"github.com/srg/bluehub/scanner"
)

// Slot allocation coalescing: any number of slot changes within one loop
// iteration produce a single callback with the final state.
func (suite *ManagerTestSuite) TestAllocationCoalescing() {
	s := scanner.NewRemoteScanner(scanner.Config{
		Source: "hci9", Adapter: "hci9", Connectable: true,
		Sink: suite.mgr, Clock: func() float64 { return suite.now },
	}, 0)
	suite.mgr.RegisterScanner(s, 3)
	suite.lp.Drain() // flush the registration-time notification

	var snapshots []SlotAllocations
	suite.mgr.RegisterAllocationCallback("hci9", func(allocations SlotAllocations) {
		snapshots = append(snapshots, allocations)
	})

	s.AddConnecting(addr1)
	s.AddConnecting(addr2)
	s.FinishedConnecting(addr1, true)
	suite.lp.Drain()

	suite.Require().Len(snapshots, 1)
	final := snapshots[0]
	suite.Equal("hci9", final.Adapter)
	suite.Equal(3, final.Slots)
	suite.Equal(2, final.Free)
	suite.Equal([]string{addr2}, final.Allocated)
}

func (suite *ManagerTestSuite) TestAllocationCallbackForAllAdapters() {
	s := scanner.NewRemoteScanner(scanner.Config{
		Source: "hci9", Adapter: "hci9", Connectable: true,
		Sink: suite.mgr, Clock: func() float64 { return suite.now },
	}, 0)
	suite.mgr.RegisterScanner(s, 2)
	suite.lp.Drain()

	var snapshots []SlotAllocations
	suite.mgr.RegisterAllocationCallback("", func(allocations SlotAllocations) {
		snapshots = append(snapshots, allocations)
	})

	s.AddConnecting(addr1)
	suite.lp.Drain()

	suite.Require().Len(snapshots, 1)
	suite.Equal(1, snapshots[0].Free)
	suite.Equal([]string{addr1}, snapshots[0].Allocated)
}

// A GET_CONNECTIONS completion reflects kernel-side connections into the
// free-slot count.
func (suite *ManagerTestSuite) TestOnAdapterConnections() {
	s := scanner.NewRemoteScanner(scanner.Config{
		Source: "hci9", Adapter: "hci9", Connectable: true,
		Sink: suite.mgr, Clock: func() float64 { return suite.now },
	}, 0)
	suite.mgr.RegisterScanner(s, 3)
	suite.lp.Drain()

	var snapshots []SlotAllocations
	suite.mgr.RegisterAllocationCallback("hci9", func(allocations SlotAllocations) {
		snapshots = append(snapshots, allocations)
	})

	suite.mgr.OnAdapterConnections("hci9", 2)
	suite.lp.Drain()

	suite.Require().Len(snapshots, 1)
	suite.Equal(1, snapshots[0].Free)

	current := suite.mgr.CurrentAllocations("hci9")
	suite.Require().Len(current, 1)
	suite.Equal(1, current[0].Free)
}

func (suite *ManagerTestSuite) TestCurrentAllocations() {
	suite.Empty(suite.mgr.CurrentAllocations("hci9"))

	s := scanner.NewRemoteScanner(scanner.Config{
		Source: "hci9", Adapter: "hci9", Connectable: true,
		Sink: suite.mgr, Clock: func() float64 { return suite.now },
	}, 0)
	suite.mgr.RegisterScanner(s, 2)

	all := suite.mgr.CurrentAllocations("")
	suite.Require().Len(all, 1)
	suite.Equal(2, all[0].Slots)
	suite.Equal(2, all[0].Free)
}

func (suite *ManagerTestSuite) TestAllocationCallbackUnregister() {
	s := scanner.NewRemoteScanner(scanner.Config{
		Source: "hci9", Adapter: "hci9", Connectable: true,
		Sink: suite.mgr, Clock: func() float64 { return suite.now },
	}, 0)
	suite.mgr.RegisterScanner(s, 2)
	suite.lp.Drain()

	var snapshots int
	cancel := suite.mgr.RegisterAllocationCallback("hci9", func(SlotAllocations) {
		snapshots++
	})
	cancel()

	s.AddConnecting(addr1)
	suite.lp.Drain()

	suite.Equal(0, snapshots)
}
